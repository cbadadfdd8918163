package engine

// Params is the raw parameter bag sent by the widget. Any field may be empty.
type Params struct {
	UTMSource   string `json:"utm_source,omitempty"`
	UTMMedium   string `json:"utm_medium,omitempty"`
	UTMCampaign string `json:"utm_campaign,omitempty"`
	GCLID       string `json:"gclid,omitempty"`
	FBCLID      string `json:"fbclid,omitempty"`
}

// Tuple is the normalized 5-tuple. Absent fields hold Sentinel.
type Tuple struct {
	Source   string
	Medium   string
	Campaign string
	GCLID    string
	FBCLID   string
}

// Variant is what the lookup tier stores: the campaign copy before defaults
// are applied. NotFound marks a negative entry.
type Variant struct {
	CampaignID  string   `json:"campaign_id,omitempty"`
	Name        string   `json:"name,omitempty"`
	Headline    string   `json:"headline,omitempty"`
	Subheadline string   `json:"subheadline,omitempty"`
	CTA         string   `json:"cta,omitempty"`
	Bullets     []string `json:"bullets,omitempty"`
	NotFound    bool     `json:"not_found,omitempty"`
}

// API-facing content block
type Blocks struct {
	Headline string   `json:"headline"`
	Sub      string   `json:"sub"`
	Bullets  []string `json:"bullets"`
	CTA      string   `json:"cta"`
}

type Response struct {
	Segment string `json:"segment"`
	Blocks  Blocks `json:"blocks"`
}

// complete reports whether r has every field Shape always fills.
func (r Response) complete() bool {
	return r.Segment != "" && r.Blocks.Headline != "" && r.Blocks.Sub != "" &&
		r.Blocks.CTA != "" && r.Blocks.Bullets != nil
}

// Tier names where a resolution was served from.
type Tier string

const (
	TierResponseCache Tier = "response_cache"
	TierLookupCache   Tier = "lookup_cache"
	TierStore         Tier = "store"
)

// Resolution carries the shaped content and the exact JSON body that the
// response tier holds for it.
type Resolution struct {
	Content Response
	Body    []byte
	Tier    Tier
}
