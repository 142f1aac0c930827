package ttclient

// A User contains specific attributes of a user browsing your site. The only mandatory property is the Key,
// which must uniquely identify each user. For authenticated users, this may be a username or e-mail address.
// For anonymous users, this could be an IP address or session ID.
//
// Besides the mandatory Key, User supports two kinds of optional attributes: interpreted attributes (e.g.
// Ip and Country) and custom attributes. ToggleTree can parse interpreted attributes and attach meaning to
// them. For example, from an Ip address, ToggleTree can do a geo IP lookup and determine the user's country.
//
// Custom attributes are not parsed by ToggleTree. They can be used in custom rules-- for example, a custom
// attribute such as "customer_ranking" can be used to launch a feature to the top 10% of users on a site.
type User struct {
	// Key is the unique key of the user.
	Key *string `json:"key,omitempty" bson:"key,omitempty"`
	// Secondary is the secondary key of the user.
	//
	// This affects feature flag targeting
	// (https://docs.toggletree.com/home/flags/targeting-users#targeting-rules-based-on-user-attributes)
	// as follows: if you have chosen to bucket users by a specific attribute, the secondary key (if set)
	// is used to further distinguish between users who are otherwise identical according to that attribute.
	Secondary *string `json:"secondary,omitempty" bson:"secondary,omitempty"`
	// Ip is the IP address of the user.
	Ip *string `json:"ip,omitempty" bson:"ip,omitempty"`
	// Country is the country of the user.
	Country *string `json:"country,omitempty" bson:"country,omitempty"`
	// Email is the email address of the user.
	Email *string `json:"email,omitempty" bson:"email,omitempty"`
	// FirstName is the first name of the user.
	FirstName *string `json:"firstName,omitempty" bson:"firstName,omitempty"`
	// LastName is the last name of the user.
	LastName *string `json:"lastName,omitempty" bson:"lastName,omitempty"`
	// Avatar is the URL of the user's avatar image.
	Avatar *string `json:"avatar,omitempty" bson:"avatar,omitempty"`
	// Name is the full name of the user.
	Name *string `json:"name,omitempty" bson:"name,omitempty"`
	// Anonymous indicates whether the user is anonymous.
	//
	// If a user is anonymous, the user key will not appear on your ToggleTree dashboard.
	Anonymous *bool `json:"anonymous,omitempty" bson:"anonymous,omitempty"`
	// Custom is the user's map of custom attributes.
	Custom *map[string]interface{} `json:"custom,omitempty" bson:"custom,omitempty"`

	// PrivateAttributeNames is a list of attribute names (either built-in or custom) which should be
	// marked as private, and not sent to ToggleTree in analytics events. This is in addition to any
	// private attributes designated in the global configuration with Config.PrivateAttributeNames or
	// Config.AllAttributesPrivate.
	PrivateAttributeNames []string `json:"privateAttributeNames,omitempty" bson:"privateAttributeNames,omitempty"`
}

// NewUser creates a new user identified by the given key.
func NewUser(key string) User {
	return User{Key: &key}
}

// NewAnonymousUser creates a new anonymous user identified by the given key.
func NewAnonymousUser(key string) User {
	anonymous := true
	return User{Key: &key, Anonymous: &anonymous}
}

// valueOf returns the value of an attribute of the user. The second return value is true if the
// user has no value for that attribute ("pass"), in which case a clause referencing it cannot match.
func (user User) valueOf(attr string) (interface{}, bool) {
	switch attr {
	case "key":
		if user.Key != nil {
			return *user.Key, false
		}
		return nil, true
	case "ip":
		return optionalStringValue(user.Ip)
	case "country":
		return optionalStringValue(user.Country)
	case "email":
		return optionalStringValue(user.Email)
	case "firstName":
		return optionalStringValue(user.FirstName)
	case "lastName":
		return optionalStringValue(user.LastName)
	case "avatar":
		return optionalStringValue(user.Avatar)
	case "name":
		return optionalStringValue(user.Name)
	case "anonymous":
		if user.Anonymous != nil {
			return *user.Anonymous, false
		}
		return nil, true
	}

	// Select a custom attribute
	if user.Custom == nil {
		return nil, true
	}
	value, ok := (*user.Custom)[attr]
	if !ok || value == nil {
		return nil, true
	}
	return value, false
}

func optionalStringValue(s *string) (interface{}, bool) {
	if s != nil {
		return *s, false
	}
	return nil, true
}
