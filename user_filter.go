package ttclient

import (
	"encoding/json"
	"sort"
)

// userFilter applies the private attribute configuration to users before they are serialized
// into events. Removed attribute names are reported in the privateAttrs list so the service
// knows the user data is intentionally incomplete.
type userFilter struct {
	allAttributesPrivate    bool
	globalPrivateAttributes []string
}

func newUserFilter(config Config) userFilter {
	return userFilter{
		allAttributesPrivate:    config.AllAttributesPrivate,
		globalPrivateAttributes: config.PrivateAttributeNames,
	}
}

// filteredUser is the serialization of a user in event output, with private attributes scrubbed.
type filteredUser struct {
	Key          *string                 `json:"key,omitempty"`
	Secondary    *string                 `json:"secondary,omitempty"`
	Ip           *string                 `json:"ip,omitempty"`
	Country      *string                 `json:"country,omitempty"`
	Email        *string                 `json:"email,omitempty"`
	FirstName    *string                 `json:"firstName,omitempty"`
	LastName     *string                 `json:"lastName,omitempty"`
	Avatar       *string                 `json:"avatar,omitempty"`
	Name         *string                 `json:"name,omitempty"`
	Anonymous    *bool                   `json:"anonymous,omitempty"`
	Custom       *map[string]interface{} `json:"custom,omitempty"`
	PrivateAttrs []string                `json:"privateAttrs,omitempty"`
}

// MarshalJSON is a standard marshaller; filteredUser exists only so that scrubbed users
// serialize with the privateAttrs list.
func (u filteredUser) MarshalJSON() ([]byte, error) {
	type filteredUserNoMethods filteredUser
	return json.Marshal(filteredUserNoMethods(u))
}

// Returns a copy of the user with private attributes removed. The key is never private.
func (uf userFilter) scrubUser(user User) *filteredUser {
	fu := filteredUser{
		Key:       user.Key,
		Anonymous: user.Anonymous,
	}

	if len(user.PrivateAttributeNames) == 0 && len(uf.globalPrivateAttributes) == 0 && !uf.allAttributesPrivate {
		fu.Secondary = user.Secondary
		fu.Ip = user.Ip
		fu.Country = user.Country
		fu.Email = user.Email
		fu.FirstName = user.FirstName
		fu.LastName = user.LastName
		fu.Avatar = user.Avatar
		fu.Name = user.Name
		fu.Custom = user.Custom
		return &fu
	}

	isPrivate := map[string]bool{}
	for _, n := range uf.globalPrivateAttributes {
		isPrivate[n] = true
	}
	for _, n := range user.PrivateAttributeNames {
		isPrivate[n] = true
	}
	privateAttrs := []string{}

	maybeSet := func(name string, value *string, dest **string) {
		if value == nil {
			return
		}
		if uf.allAttributesPrivate || isPrivate[name] {
			privateAttrs = append(privateAttrs, name)
			return
		}
		*dest = value
	}
	maybeSet("secondary", user.Secondary, &fu.Secondary)
	maybeSet("ip", user.Ip, &fu.Ip)
	maybeSet("country", user.Country, &fu.Country)
	maybeSet("email", user.Email, &fu.Email)
	maybeSet("firstName", user.FirstName, &fu.FirstName)
	maybeSet("lastName", user.LastName, &fu.LastName)
	maybeSet("avatar", user.Avatar, &fu.Avatar)
	maybeSet("name", user.Name, &fu.Name)

	if user.Custom != nil {
		custom := map[string]interface{}{}
		for name, value := range *user.Custom {
			if uf.allAttributesPrivate || isPrivate[name] {
				privateAttrs = append(privateAttrs, name)
			} else {
				custom[name] = value
			}
		}
		if len(custom) > 0 {
			fu.Custom = &custom
		}
	}

	if len(privateAttrs) > 0 {
		sort.Strings(privateAttrs)
		fu.PrivateAttrs = privateAttrs
	}
	return &fu
}
