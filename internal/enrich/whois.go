package enrich

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/likexian/whois"
	whoisparser "github.com/likexian/whois-parser"
)

var (
	whoisFields = []struct {
		key string
		re  *regexp.Regexp
	}{
		{"registrar", regexp.MustCompile(`(?im)^\s*Registrar:\s*(.+)$`)},
		{"organization", regexp.MustCompile(`(?im)^\s*(?:OrgName|org-name|Organization|Registrant Organization):\s*(.+)$`)},
		{"netname", regexp.MustCompile(`(?im)^\s*(?:NetName|netname):\s*(.+)$`)},
		{"network", regexp.MustCompile(`(?im)^\s*(?:CIDR|inetnum|inet6num|NetRange):\s*(.+)$`)},
		{"country", regexp.MustCompile(`(?im)^\s*(?:Country|Registrant Country):\s*(.+)$`)},
		{"created_date", regexp.MustCompile(`(?im)^\s*(?:Creation Date|RegDate|created):\s*(.+)$`)},
		{"expiration_date", regexp.MustCompile(`(?im)^\s*(?:Registry Expiry Date|Expiration Date|Expiry Date):\s*(.+)$`)},
	}
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
)

const whoisSnippetLen = 800

// WhoisClient performs WHOIS queries.
type WhoisClient struct {
	client *whois.Client
}

func NewWhoisClient(timeout time.Duration) *WhoisClient {
	return &WhoisClient{client: whois.NewClient().SetTimeout(timeout)}
}

func (w *WhoisClient) Lookup(ctx context.Context, value string) (map[string]string, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return nil, fmt.Errorf("whois: empty query")
	}

	type answer struct {
		raw string
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		raw, err := w.client.Whois(value)
		ch <- answer{raw, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("whois %s: %w", value, ctx.Err())
	case a := <-ch:
		if a.err != nil {
			return nil, fmt.Errorf("whois %s: %w", value, a.err)
		}
		data := normalizeWhois(a.raw)
		if net.ParseIP(value) == nil {
			mergeDomainWhois(a.raw, data)
		}
		return data, nil
	}
}

// mergeDomainWhois overlays the fields of a structured domain registration
// parse onto data. Responses the parser does not understand leave data as is.
func mergeDomainWhois(raw string, data map[string]string) {
	info, err := whoisparser.Parse(raw)
	if err != nil {
		return
	}
	set := func(key, v string) {
		if v = strings.TrimSpace(v); v != "" {
			data[key] = v
		}
	}
	if d := info.Domain; d != nil {
		set("domain", d.Domain)
		set("created_date", d.CreatedDate)
		set("expiration_date", d.ExpirationDate)
		if len(d.NameServers) > 0 {
			data["nameservers"] = strings.ToLower(strings.Join(d.NameServers, ","))
		}
	}
	if r := info.Registrar; r != nil {
		set("registrar", r.Name)
	}
	if r := info.Registrant; r != nil {
		set("organization", r.Organization)
		set("country", r.Country)
	}
}

// normalizeWhois extracts the commonly useful fields of a raw response.
func normalizeWhois(raw string) map[string]string {
	data := make(map[string]string)
	for _, f := range whoisFields {
		if m := f.re.FindStringSubmatch(raw); len(m) >= 2 {
			if v := strings.TrimSpace(m[1]); v != "" {
				data[f.key] = v
			}
		}
	}

	if emails := emailRe.FindAllString(raw, -1); len(emails) > 0 {
		seen := make(map[string]bool)
		var uniq []string
		for _, e := range emails {
			e = strings.ToLower(e)
			if !seen[e] {
				seen[e] = true
				uniq = append(uniq, e)
			}
		}
		data["emails"] = strings.Join(uniq, ",")
	}

	if raw = strings.TrimSpace(raw); raw != "" {
		data["raw_snippet"] = truncate(raw, whoisSnippetLen)
	}
	return data
}
