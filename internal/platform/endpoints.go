package platform

import (
	"regexp"
	"strconv"
	"strings"

	config "github.com/maheshrc27/postflow/configs"
)

const (
	OpAuth      = "auth"
	OpToken     = "token"
	OpPost      = "post"
	OpMedia     = "media"
	OpAnalytics = "analytics"
	OpMe        = "me"
)

var defaultPaths = map[string]string{
	OpAuth:      "/oauth/authorize",
	OpToken:     "/oauth/token",
	OpPost:      "/posts",
	OpMedia:     "/media",
	OpAnalytics: "/analytics",
	OpMe:        "/me",
}

// Endpoint is a resolved URL plus the URL of the previous API version, if any.
type Endpoint struct {
	Primary  string
	Fallback string
}

// EndpointTable maps a logical operation to its endpoint.
type EndpointTable map[string]Endpoint

// BuildEndpoints resolves every logical operation of a platform. Overrides may
// be paths relative to api_base or absolute URLs.
func BuildEndpoints(cfg config.PlatformConfig) EndpointTable {
	base := strings.TrimRight(cfg.APIBase, "/")
	table := make(EndpointTable, len(defaultPaths))
	for op, path := range defaultPaths {
		if override, ok := cfg.EndpointOverrides[op]; ok {
			path = override
		}
		primary := path
		if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
			primary = base + "/" + strings.TrimLeft(path, "/")
		}
		table[op] = Endpoint{Primary: primary, Fallback: FallbackURL(primary)}
	}
	return table
}

var versionSegment = regexp.MustCompile(`/v(\d+)(?:\.(\d+))?(/|$)`)

// FallbackURL returns url with its first version segment decremented by one
// major version (v2 -> v1, v21.0 -> v20.0). It returns "" when the url has no
// version segment or the version cannot go lower.
func FallbackURL(url string) string {
	loc := versionSegment.FindStringSubmatchIndex(url)
	if loc == nil {
		return ""
	}
	major, err := strconv.Atoi(url[loc[2]:loc[3]])
	if err != nil || major <= 1 {
		return ""
	}

	seg := "/v" + strconv.Itoa(major-1)
	if loc[4] >= 0 {
		seg += "." + url[loc[4]:loc[5]]
	}
	return url[:loc[0]] + seg + url[loc[6]:]
}

var placeholder = regexp.MustCompile(`\{([a-z_]+)\}`)

// expand fills {name} placeholders from account data and reports the first
// placeholder that has no value.
func expand(url string, account Account) (string, string) {
	var missing string
	out := placeholder.ReplaceAllStringFunc(url, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := account[name]; ok && v != "" {
			return v
		}
		if missing == "" {
			missing = name
		}
		return m
	})
	return out, missing
}
