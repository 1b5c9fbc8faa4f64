package config

// ClassRule assigns a destination-number regex to a number class. Rules are
// evaluated in order; the first match wins.
type ClassRule struct {
	Pattern string `yaml:"pattern"`
	Class   string `yaml:"class"`
}

// Config represents the server configuration, resolved once at startup into
// an immutable value handed to every component. Re-reading configuration at
// request time is not supported.
type Config struct {
	Server struct {
		UDPPort int `yaml:"udp_port"`
		TCPPort int `yaml:"tcp_port"`
	} `yaml:"server"`

	// Homedomains lists the domains this proxy is authoritative for.
	Homedomains []string `yaml:"homedomains"`

	Auth struct {
		Realm                  string `yaml:"realm"`
		SharedSecret           string `yaml:"shared_secret"`
		PeerAuthSecret         string `yaml:"peer_auth_secret"`
		FreshnessWindowSeconds int    `yaml:"freshness_window_seconds"`
	} `yaml:"auth"`

	// Classes is the ordered regex-to-class table classify_number walks.
	Classes []ClassRule `yaml:"classes"`

	// UnauthClasses lists classes that need no authentication to reach.
	UnauthClasses []string `yaml:"unauth_classes"`

	Presence struct {
		MinPublishSeconds     int `yaml:"min_publish_seconds"`
		MaxPublishSeconds     int `yaml:"max_publish_seconds"`
		DefaultPublishSeconds int `yaml:"default_publish_seconds"`
	} `yaml:"presence"`

	Routing struct {
		AlwaysVerifyHomedomainUser bool `yaml:"always_verify_homedomain_user"`
		RecordRoute                bool `yaml:"record_route"`
		MaxForwardsDefault         int  `yaml:"max_forwards_default"`
	} `yaml:"routing"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
		// RotateDaily expands File as a strftime pattern and rolls onto a
		// fresh log file at midnight instead of appending to it forever.
		RotateDaily bool `yaml:"rotate_daily"`
	} `yaml:"logging"`
}

// Manager defines the interface for configuration management.
type Manager interface {
	Load(filename string) (*Config, error)
	Validate(config *Config) error
}
