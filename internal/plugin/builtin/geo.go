package builtin

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/oschwald/maxminddb-golang/v2"

	"github.com/gantrygw/gantry/internal/core"
	"github.com/gantrygw/gantry/internal/errors"
	"github.com/gantrygw/gantry/internal/plugin"
)

type geoConfig struct {
	// Database is a MaxMind country mmdb file.
	Database string `json:"database"`
	// Allow admits only the listed ISO country codes; Deny rejects the
	// listed codes. Exactly one may be set.
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
	// Header receives the resolved country code when set.
	Header string `json:"header"`
}

type geoRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// newGeoFilter resolves the client country and enforces an allow or deny
// list. Unresolvable addresses are rejected in allow mode and admitted in
// deny mode, mirroring the IP filter's unparseable-address stance.
func newGeoFilter(raw map[string]any) (plugin.Handler, error) {
	var cfg geoConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("geo-filter: database required")
	}
	if len(cfg.Allow) > 0 && len(cfg.Deny) > 0 {
		return nil, fmt.Errorf("geo-filter: allow and deny are mutually exclusive")
	}

	db, err := maxminddb.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("geo-filter: open database: %w", err)
	}

	toSet := func(codes []string) map[string]bool {
		m := make(map[string]bool, len(codes))
		for _, c := range codes {
			m[strings.ToUpper(c)] = true
		}
		return m
	}
	allow := toSet(cfg.Allow)
	deny := toSet(cfg.Deny)

	return plugin.HandlerFunc(func(_ context.Context, pc *plugin.Context) (*core.Response, error) {
		country := ""
		if addr, err := netip.ParseAddr(pc.Request.ClientIP()); err == nil {
			var rec geoRecord
			if err := db.Lookup(addr).Decode(&rec); err == nil {
				country = rec.Country.ISOCode
			}
		}
		if cfg.Header != "" && country != "" {
			pc.Request.Header.Set(cfg.Header, country)
		}

		if len(allow) > 0 && !allow[country] {
			return nil, errors.AuthorizationFailed("origin country not permitted")
		}
		if len(deny) > 0 && country != "" && deny[country] {
			return nil, errors.AuthorizationFailed("origin country not permitted")
		}
		return nil, nil
	}), nil
}
