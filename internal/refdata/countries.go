package refdata

import (
	"strings"
	"sync"

	lev "github.com/agnivade/levenshtein"
	"github.com/biter777/countries"
)

// maxFuzzyDistance bounds how far a free-text name may be from a known country
// name before it is treated as unresolvable.
const maxFuzzyDistance = 3

// defaultAliases covers spellings seen across feeds that do not match the
// ISO short names. Values may be names or alpha-2 codes.
var defaultAliases = map[string]string{
	"USA":                      "US",
	"United States of America": "US",
	"UK":                       "GB",
	"Great Britain":            "GB",
	"Russia":                   "RU",
	"South Korea":              "KR",
	"North Korea":              "KP",
	"Iran":                     "IR",
	"Syria":                    "SY",
	"Vietnam":                  "VN",
	"Laos":                     "LA",
	"Taiwan":                   "TW",
	"Czech Republic":           "CZ",
}

// Countries resolves free-text country names to ISO alpha-2 codes and
// memoises the answers, including failures.
type Countries struct {
	aliases map[string]string

	mu  sync.RWMutex
	ids map[string]string
}

// NewCountries creates a resolver. Entries in aliases override the built-in ones.
func NewCountries(aliases map[string]string) *Countries {
	merged := make(map[string]string, len(defaultAliases)+len(aliases))
	for k, v := range defaultAliases {
		merged[strings.ToLower(k)] = v
	}
	for k, v := range aliases {
		merged[strings.ToLower(k)] = v
	}
	return &Countries{aliases: merged, ids: map[string]string{}}
}

// ID returns the alpha-2 code for name, or "" if it cannot be resolved.
func (c *Countries) ID(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if alias, ok := c.aliases[strings.ToLower(name)]; ok {
		name = alias
	}
	key := strings.ToLower(name)

	c.mu.RLock()
	id, ok := c.ids[key]
	c.mu.RUnlock()
	if ok {
		return id
	}

	id = resolve(name)

	c.mu.Lock()
	c.ids[key] = id
	c.mu.Unlock()
	return id
}

// Cached returns the number of memoised names.
func (c *Countries) Cached() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}

func resolve(name string) string {
	if code := countries.ByName(name); code != countries.Unknown {
		return code.Alpha2()
	}

	target := strings.ToLower(name)
	if len(target) < 5 {
		return ""
	}
	best, bestDist := countries.Unknown, maxFuzzyDistance+1
	for _, code := range countries.All() {
		d := lev.ComputeDistance(target, strings.ToLower(code.String()))
		if d < bestDist {
			best, bestDist = code, d
		}
	}
	if best == countries.Unknown {
		return ""
	}
	return best.Alpha2()
}
