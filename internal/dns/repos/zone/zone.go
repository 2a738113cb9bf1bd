// Package zone loads locally served records from YAML, JSON or TOML files.
//
// A zone file names its root and maps owner labels to record types and
// values:
//
//	zone_root: example.com
//	ttl: 300            # optional, overrides the default TTL
//	"@":
//	  A: "93.184.216.34"
//	www:
//	  CNAME: "example.com."
//	mail:
//	  MX: ["10 mx1.example.com.", "20 mx2.example.com."]
//
// Values are parsed and normalized with miekg/dns, so anything it accepts in
// presentation format is accepted here.
package zone

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/miekg/dns"

	"github.com/haukened/rr-overlay/internal/dns/common/utils"
	"github.com/haukened/rr-overlay/internal/dns/domain"
)

const (
	keyZoneRoot = "zone_root"
	keyTTL      = "ttl"
)

// LoadZoneDirectory loads every supported file under dir and returns the
// records grouped by zone root. A missing or empty directory yields no zones.
func LoadZoneDirectory(dir string, defaultTTL time.Duration) (map[string][]domain.ResourceRecord, error) {
	zones := make(map[string][]domain.ResourceRecord)
	if dir == "" {
		return zones, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return zones, nil
	}

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		root, records, err := LoadZoneFile(path, defaultTTL)
		if err != nil {
			return fmt.Errorf("error parsing zone file %s: %w", path, err)
		}
		if root != "" && len(records) > 0 {
			zones[root] = append(zones[root], records...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return zones, nil
}

// LoadZoneFile parses one zone file. Files with an unsupported extension are
// ignored and return an empty root.
func LoadZoneFile(path string, defaultTTL time.Duration) (string, []domain.ResourceRecord, error) {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	case ".toml":
		parser = toml.Parser()
	default:
		return "", nil, nil
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return "", nil, fmt.Errorf("failed to load zone file %s: %w", path, err)
	}

	root := k.String(keyZoneRoot)
	if root == "" {
		return "", nil, fmt.Errorf("zone file %s missing '%s'", path, keyZoneRoot)
	}
	root = utils.CanonicalDNSName(root)

	ttl := uint32(defaultTTL / time.Second)
	if k.Exists(keyTTL) {
		v := k.Int64(keyTTL)
		if v <= 0 {
			return "", nil, fmt.Errorf("zone file %s: ttl must be positive", path)
		}
		ttl = uint32(v)
	}

	var records []domain.ResourceRecord
	for label, raw := range k.Raw() {
		if label == keyZoneRoot || label == keyTTL {
			continue
		}
		types, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		owner := utils.CanonicalDNSName(expandName(label, root))
		for rrType, val := range types {
			values := toStringValues(val)
			if len(values) == 0 {
				continue
			}
			recs, err := buildRecords(owner, rrType, values, ttl)
			if err != nil {
				return "", nil, fmt.Errorf("invalid record in %s: %w", path, err)
			}
			records = append(records, recs...)
		}
	}
	return root, records, nil
}

// expandName qualifies label relative to root; "@" is the root itself.
func expandName(label, root string) string {
	if label == "@" {
		return root
	}
	if strings.HasSuffix(label, ".") {
		return label
	}
	return label + "." + root
}

// toStringValues accepts a string or a list of strings and drops blanks and
// non-string elements.
func toStringValues(val any) []string {
	var in []any
	switch v := val.(type) {
	case string:
		in = []any{v}
	case []any:
		in = v
	default:
		return nil
	}
	var out []string
	for _, elem := range in {
		s, ok := elem.(string)
		if !ok {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// buildRecords parses each value as presentation-format RDATA for rrType.
func buildRecords(owner, rrType string, values []string, ttl uint32) ([]domain.ResourceRecord, error) {
	t := domain.RRTypeFromString(rrType)
	if !t.IsValid() {
		return nil, fmt.Errorf("unsupported record type %q", rrType)
	}
	records := make([]domain.ResourceRecord, 0, len(values))
	for _, v := range values {
		rr, err := dns.NewRR(fmt.Sprintf("%s %d IN %s %s", owner, ttl, t, v))
		if err != nil {
			return nil, fmt.Errorf("%s %s %q: %w", owner, t, v, err)
		}
		if rr == nil {
			return nil, fmt.Errorf("%s %s: empty value", owner, t)
		}
		h := rr.Header()
		rec, err := domain.NewResourceRecord(
			owner,
			t,
			domain.RRClassIN,
			h.Ttl,
			strings.TrimSpace(strings.TrimPrefix(rr.String(), h.String())),
		)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
