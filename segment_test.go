package ttclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExplicitIncludeUser(t *testing.T) {
	segment := Segment{
		Key:      "test",
		Included: []string{"foo"},
		Salt:     "abcdef",
		Version:  1,
	}
	user := NewUser("foo")

	containsUser, reason := segment.ContainsUser(user)
	assert.True(t, containsUser)
	assert.NotNil(t, reason)
	assert.Equal(t, "included", reason.Kind)
}

func TestExplicitExcludeUser(t *testing.T) {
	segment := Segment{
		Key:      "test",
		Excluded: []string{"foo"},
		Salt:     "abcdef",
		Version:  1,
	}
	user := NewUser("foo")

	containsUser, reason := segment.ContainsUser(user)
	assert.False(t, containsUser)
	assert.NotNil(t, reason)
	assert.Equal(t, "excluded", reason.Kind)
}

func TestExplicitIncludeHasPrecedence(t *testing.T) {
	segment := Segment{
		Key:      "test",
		Included: []string{"foo"},
		Excluded: []string{"foo"},
		Salt:     "abcdef",
		Version:  1,
	}
	user := NewUser("foo")

	containsUser, reason := segment.ContainsUser(user)
	assert.True(t, containsUser)
	assert.NotNil(t, reason)
	assert.Equal(t, "included", reason.Kind)
}

func TestMatchingRuleWithFullRollout(t *testing.T) {
	weight := 100000
	segment := Segment{
		Key: "test",
		Rules: []SegmentRule{
			{
				Clauses: []Clause{
					{Attribute: "email", Op: OperatorIn, Values: []interface{}{"test@example.com"}},
				},
				Weight: &weight,
			},
		},
		Salt:    "abcdef",
		Version: 1,
	}
	user := User{Key: strPtr("foo"), Email: strPtr("test@example.com")}

	containsUser, reason := segment.ContainsUser(user)
	assert.True(t, containsUser)
	assert.NotNil(t, reason)
	assert.Equal(t, "rule", reason.Kind)
}

func TestMatchingRuleWithZeroRollout(t *testing.T) {
	weight := 0
	segment := Segment{
		Key: "test",
		Rules: []SegmentRule{
			{
				Clauses: []Clause{
					{Attribute: "email", Op: OperatorIn, Values: []interface{}{"test@example.com"}},
				},
				Weight: &weight,
			},
		},
		Salt:    "abcdef",
		Version: 1,
	}
	user := User{Key: strPtr("foo"), Email: strPtr("test@example.com")}

	containsUser, reason := segment.ContainsUser(user)
	assert.False(t, containsUser)
	assert.Nil(t, reason)
}

func TestMatchingRuleWithMultipleClauses(t *testing.T) {
	segment := Segment{
		Key: "test",
		Rules: []SegmentRule{
			{
				Clauses: []Clause{
					{Attribute: "email", Op: OperatorIn, Values: []interface{}{"test@example.com"}},
					{Attribute: "name", Op: OperatorIn, Values: []interface{}{"bob"}},
				},
			},
		},
		Salt:    "abcdef",
		Version: 1,
	}
	user := User{Key: strPtr("foo"), Email: strPtr("test@example.com"), Name: strPtr("bob")}

	containsUser, reason := segment.ContainsUser(user)
	assert.True(t, containsUser)
	assert.NotNil(t, reason)
	assert.Equal(t, "rule", reason.Kind)
}

func TestNonMatchingRuleWithMultipleClauses(t *testing.T) {
	segment := Segment{
		Key: "test",
		Rules: []SegmentRule{
			{
				Clauses: []Clause{
					{Attribute: "email", Op: OperatorIn, Values: []interface{}{"test@example.com"}},
					{Attribute: "name", Op: OperatorIn, Values: []interface{}{"bill"}},
				},
			},
		},
		Salt:    "abcdef",
		Version: 1,
	}
	user := User{Key: strPtr("foo"), Email: strPtr("test@example.com"), Name: strPtr("bob")}

	containsUser, reason := segment.ContainsUser(user)
	assert.False(t, containsUser)
	assert.Nil(t, reason)
}

func TestSegmentDoesNotMatchUserWithNoKey(t *testing.T) {
	segment := Segment{
		Key:      "test",
		Included: []string{"foo"},
		Version:  1,
	}

	containsUser, reason := segment.ContainsUser(User{})
	assert.False(t, containsUser)
	assert.Nil(t, reason)
}
