package engine

import (
	"net/url"
	"strings"

	"utm-content-engine/internal/storage"
)

// Sentinel replaces any absent or blank parameter.
const Sentinel = " "

const (
	familyContent = "content"
	familyLookup  = "lookup"
	delim         = ":"
)

// Keys holds the two cache keys for one request.
type Keys struct {
	Lookup   string
	Response string
}

// Normalize trims every field and substitutes Sentinel for blanks.
func Normalize(p Params) Tuple {
	return Tuple{
		Source:   norm(p.UTMSource),
		Medium:   norm(p.UTMMedium),
		Campaign: norm(p.UTMCampaign),
		GCLID:    norm(p.GCLID),
		FBCLID:   norm(p.FBCLID),
	}
}

func norm(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return Sentinel
	}
	return v
}

// CampaignKey maps the tuple to the store's targeting key, where absent
// fields are empty strings.
func (t Tuple) CampaignKey() storage.CampaignKey {
	return storage.CampaignKey{
		Source:   denorm(t.Source),
		Medium:   denorm(t.Medium),
		Campaign: denorm(t.Campaign),
	}
}

func denorm(v string) string {
	if v == Sentinel {
		return ""
	}
	return v
}

// BuildKeys derives both cache keys. Layout, with every component query-escaped:
//
//	{ns}:content:{site}:{source}:{medium}:{campaign}:{gclid}:{fbclid}
//	{ns}:lookup:{site}:{source}:{medium}:{campaign}
//
// The lookup key ignores click ids so visits that differ only by click id
// share one variant entry.
func BuildKeys(namespace, siteID string, t Tuple) Keys {
	return Keys{
		Lookup:   join(namespace, familyLookup, siteID, t.Source, t.Medium, t.Campaign),
		Response: join(namespace, familyContent, siteID, t.Source, t.Medium, t.Campaign, t.GCLID, t.FBCLID),
	}
}

// CacheKeys normalizes p and builds its keys.
func CacheKeys(namespace, siteID string, p Params) Keys {
	return BuildKeys(namespace, strings.TrimSpace(siteID), Normalize(p))
}

// SitePrefixes returns the key prefixes covering every entry of one site.
func SitePrefixes(namespace, siteID string) []string {
	siteID = strings.TrimSpace(siteID)
	return []string{
		join(namespace, familyContent, siteID) + delim,
		join(namespace, familyLookup, siteID) + delim,
	}
}

// NamespacePrefixes returns the key prefixes covering every site's entries.
func NamespacePrefixes(namespace string) []string {
	return []string{
		join(namespace, familyContent) + delim,
		join(namespace, familyLookup) + delim,
	}
}

func join(namespace, family string, parts ...string) string {
	var b strings.Builder
	b.WriteString(namespace)
	b.WriteString(delim)
	b.WriteString(family)
	for _, p := range parts {
		b.WriteString(delim)
		b.WriteString(url.QueryEscape(p))
	}
	return b.String()
}
