package harnessports

// Tier is the subscription level of a user.
type Tier string

const (
	TierFree        Tier = "free"
	TierPro         Tier = "pro"
	TierVanguardPro Tier = "vanguard_pro"
)

// TierLimits are the monthly text and image query allowances per tier.
var TierLimits = map[Tier]struct{ Text, Image int }{
	TierFree:        {Text: 55, Image: 25},
	TierPro:         {Text: 1583, Image: 328},
	TierVanguardPro: {Text: 1583, Image: 328},
}

// Usage holds the current quota counters. A limit <= 0 means unlimited.
type Usage struct {
	TextCount  int `json:"textCount"`
	TextLimit  int `json:"textLimit"`
	ImageCount int `json:"imageCount"`
	ImageLimit int `json:"imageLimit"`
}

type Preferences struct {
	SpoilerPreference string `json:"spoilerPreference,omitempty"`
}

// User is read-only to the orchestrator; counters are advanced by the proxy.
type User struct {
	ID             string      `json:"id"`
	Tier           Tier        `json:"tier"`
	Usage          Usage       `json:"usage"`
	Preferences    Preferences `json:"preferences"`
	HasUserContext bool        `json:"hasUserContext"`
}
