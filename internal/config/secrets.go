package config

import "net/url"

// RedactedConfig returns a copy of cfg with credentials in connection URLs
// masked. Use this when logging the active configuration.
func RedactedConfig(cfg *Config) Config {
	out := *cfg
	redactURL(&out.Database.URL)
	redactURL(&out.Redis.URL)
	return out
}

// redactURL masks the password of a connection URL. Values that do not parse
// are replaced entirely.
func redactURL(s *string) {
	if *s == "" {
		return
	}
	u, err := url.Parse(*s)
	if err != nil {
		*s = "***"
		return
	}
	*s = u.Redacted()
}
