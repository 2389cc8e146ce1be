package feeds

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Ashfaaq98/evilwatch/internal/indicator"
)

// Format selects how a feed line is reduced to a candidate value.
type Format string

const (
	FormatPlain      Format = "plain"
	FormatDelimited  Format = "delimited"
	FormatWhitespace Format = "whitespace"
)

// AuthMode selects how credentials are attached to a fetch.
type AuthMode string

const (
	AuthNone AuthMode = "none"
	// AuthForm posts user-id and api-key as form fields.
	AuthForm AuthMode = "form"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultBulkTimeout = 60 * time.Second
)

// Descriptor declares one external feed. The built-in table can be replaced
// wholesale from the config file's feeds list.
type Descriptor struct {
	Name      string            `mapstructure:"name" yaml:"name"`
	URL       string            `mapstructure:"url" yaml:"url"`
	Method    string            `mapstructure:"method" yaml:"method,omitempty"`
	Auth      AuthMode          `mapstructure:"auth" yaml:"auth,omitempty"`
	Form      map[string]string `mapstructure:"form" yaml:"form,omitempty"`
	Format    Format            `mapstructure:"format" yaml:"format,omitempty"`
	Delimiter string            `mapstructure:"delimiter" yaml:"delimiter,omitempty"`
	Column    int               `mapstructure:"column" yaml:"column,omitempty"`
	Timeout   time.Duration     `mapstructure:"timeout" yaml:"timeout,omitempty"`
	Disabled  bool              `mapstructure:"disabled" yaml:"disabled,omitempty"`

	indicator.Meta `mapstructure:",squash" yaml:",inline"`
}

// Rule is the line extraction part of a descriptor.
type Rule struct {
	Format    Format
	Delimiter string
	Column    int
}

// Rule returns the extraction rule of d.
func (d Descriptor) Rule() Rule {
	return Rule{Format: d.Format, Delimiter: d.Delimiter, Column: d.Column}
}

// WithDefaults fills unset fields. Form-authenticated feeds are bulk
// downloads and get the longer timeout.
func (d Descriptor) WithDefaults() Descriptor {
	if d.Auth == "" {
		d.Auth = AuthNone
	}
	if d.Method == "" {
		d.Method = "GET"
		if d.Auth == AuthForm {
			d.Method = "POST"
		}
	}
	d.Method = strings.ToUpper(d.Method)
	if d.Format == "" {
		d.Format = FormatPlain
		if d.Delimiter != "" {
			d.Format = FormatDelimited
		}
	}
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
		if d.Auth == AuthForm {
			d.Timeout = DefaultBulkTimeout
		}
	}
	if d.Type == "" {
		d.Type = indicator.TypeIP
	}
	if d.Source == "" {
		d.Source = d.Name
	}
	return d
}

// Validate reports the first problem with a defaulted descriptor.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("feed name must not be empty")
	}
	u, err := url.Parse(d.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("feed %s: invalid url %q", d.Name, d.URL)
	}
	if d.Method != "GET" && d.Method != "POST" {
		return fmt.Errorf("feed %s: unsupported method %q", d.Name, d.Method)
	}
	if d.Auth != AuthNone && d.Auth != AuthForm {
		return fmt.Errorf("feed %s: unsupported auth %q", d.Name, d.Auth)
	}
	switch d.Format {
	case FormatPlain, FormatWhitespace:
	case FormatDelimited:
		if d.Delimiter == "" {
			return fmt.Errorf("feed %s: delimited format needs a delimiter", d.Name)
		}
	default:
		return fmt.Errorf("feed %s: unknown format %q", d.Name, d.Format)
	}
	if d.Column < 0 {
		return fmt.Errorf("feed %s: column must be >= 0", d.Name)
	}
	if err := d.Meta.Validate(); err != nil {
		return fmt.Errorf("feed %s: %w", d.Name, err)
	}
	return nil
}

func feed(name, rawURL, category string, sev indicator.Severity, notes string) Descriptor {
	return Descriptor{
		Name: name,
		URL:  rawURL,
		Meta: indicator.Meta{
			Type:     indicator.TypeIP,
			Category: category,
			Source:   name,
			Severity: sev,
			Notes:    notes,
		},
	}
}

// DefaultDescriptors returns the built-in feed table in ingestion order.
func DefaultDescriptors() []Descriptor {
	malwareDomains := feed("malwaredomainlist", "http://www.malwaredomainlist.com/hostslist/hosts.txt",
		"malware", indicator.SeverityMedium, "Malware-serving domain")
	malwareDomains.Format = FormatWhitespace

	spamhaus := feed("spamhaus_drop", "https://www.spamhaus.org/drop/drop.txt",
		"spam", indicator.SeverityHigh, "Spamhaus DROP")
	spamhaus.Format = FormatDelimited
	spamhaus.Delimiter = ";"

	otx := feed("alienvault_otx", "https://reputation.alienvault.com/reputation.generic",
		"malicious", indicator.SeverityMedium, "AlienVault OTX bad IP")
	otx.Format = FormatDelimited
	otx.Delimiter = "#"

	neutrino := feed("neutrino", "https://neutrinoapi.net/ip-blocklist-download",
		"suspect", indicator.SeverityHigh, "Neutrino IP blocklist")
	neutrino.Auth = AuthForm
	neutrino.Form = map[string]string{"format": "txt"}

	table := []Descriptor{
		feed("firehol_level1", "https://raw.githubusercontent.com/firehol/blocklist-ipsets/master/firehol_level1.netset",
			"malicious", indicator.SeverityHigh, "Auto-imported"),
		feed("blocklist_de", "https://lists.blocklist.de/lists/all.txt",
			"ssh_brute", indicator.SeverityMedium, "Aggressive brute force"),
		feed("artillery", "https://raw.githubusercontent.com/trustedsec/artillery/master/banlist.txt",
			"honeypot", indicator.SeverityMedium, "Honeypot caught"),
		malwareDomains,
		feed("ciarmy", "http://cinsscore.com/list/ci-badguys.txt",
			"scanner", indicator.SeverityMedium, "Suspicious scanning IP"),
		feed("tor_exit", "https://check.torproject.org/torbulkexitlist",
			"tor", indicator.SeverityLow, "Tor exit node"),
		feed("abusech_feodo", "https://feodotracker.abuse.ch/downloads/ipblocklist.txt",
			"malware", indicator.SeverityHigh, "Feodo C2"),
		feed("emerging_threats", "https://rules.emergingthreats.net/blockrules/compromised-ips.txt",
			"compromised", indicator.SeverityHigh, "Compromised Host"),
		spamhaus,
		otx,
		feed("cisco_talos", "https://talosintelligence.com/documents/ip-blacklist",
			"malicious", indicator.SeverityHigh, "Cisco Talos blacklist"),
		feed("openphish", "https://openphish.com/feed.txt",
			"phishing", indicator.SeverityHigh, "OpenPhish Indicator"),
		feed("blocklistpro", "https://blocklistpro.com/downloads/BlocklistPro.txt",
			"malicious", indicator.SeverityHigh, "BlocklistPro bad IP"),
		feed("sans_dshield", "https://www.dshield.org/ipsascii.html?limit=10000",
			"suspicious", indicator.SeverityMedium, "DShield Suspicious IP"),
		feed("abusech_sslbl", "https://sslbl.abuse.ch/blacklist/sslipblacklist.txt",
			"malicious", indicator.SeverityHigh, "SSL Blacklist"),
		feed("cybercrime_tracker", "https://cybercrime-tracker.net/all.php",
			"malicious", indicator.SeverityHigh, "Cybercrime Tracker bad IP"),
		feed("abusech_urlhaus", "https://urlhaus.abuse.ch/downloads/text_online/",
			"malicious", indicator.SeverityHigh, "URLHaus bad IP"),
		neutrino,
	}
	for i := range table {
		table[i] = table[i].WithDefaults()
	}
	return table
}
