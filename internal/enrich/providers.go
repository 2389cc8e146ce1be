package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const (
	DefaultGeoIPURL    = "http://ip-api.com/json"
	DefaultNeutrinoURL = "https://neutrinoapi.net/ip-blocklist"
	DefaultIPQSURL     = "https://ipqualityscore.com/api/json/ip"
	fallbackResolver   = "1.1.1.1:53"
	maxResponseBytes   = 1 << 20
)

// ErrNotConfigured is returned by providers that lack credentials.
var ErrNotConfigured = errors.New("provider not configured")

// GeoProvider resolves the location of an address or host.
type GeoProvider interface {
	Lookup(ctx context.Context, value string) (map[string]interface{}, error)
}

// ReputationProvider reports blocklist or fraud data for an IP.
type ReputationProvider interface {
	Name() string
	Lookup(ctx context.Context, ip string) (map[string]interface{}, error)
}

// PTRResolver resolves reverse DNS names.
type PTRResolver interface {
	LookupPTR(ctx context.Context, ip string) ([]string, error)
}

// WhoisProvider returns registration details for an IP or domain.
type WhoisProvider interface {
	Lookup(ctx context.Context, value string) (map[string]string, error)
}

// getJSON performs req and decodes a JSON object body.
func getJSON(client *http.Client, req *http.Request) (map[string]interface{}, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("status=%d body=%s", resp.StatusCode, truncate(string(body), 200))
	}

	var out map[string]interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// IPAPIProvider queries ip-api.com.
type IPAPIProvider struct {
	baseURL string
	client  *http.Client
}

func NewIPAPIProvider(baseURL string, client *http.Client) *IPAPIProvider {
	if baseURL == "" {
		baseURL = DefaultGeoIPURL
	}
	return &IPAPIProvider{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (p *IPAPIProvider) Lookup(ctx context.Context, value string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/"+url.PathEscape(value), nil)
	if err != nil {
		return nil, err
	}
	out, err := getJSON(p.client, req)
	if err != nil {
		return nil, fmt.Errorf("geoip: %w", err)
	}
	// ip-api reports lookup failures in the body with a 200
	if status, _ := out["status"].(string); status == "fail" {
		msg, _ := out["message"].(string)
		return nil, fmt.Errorf("geoip: %s", msg)
	}
	return out, nil
}

// NeutrinoProvider queries the Neutrino API ip-blocklist endpoint.
type NeutrinoProvider struct {
	endpoint string
	user     string
	key      string
	client   *http.Client
}

func NewNeutrinoProvider(endpoint, user, key string, client *http.Client) *NeutrinoProvider {
	if endpoint == "" {
		endpoint = DefaultNeutrinoURL
	}
	return &NeutrinoProvider{endpoint: endpoint, user: user, key: key, client: client}
}

func (p *NeutrinoProvider) Name() string { return "neutrino" }

func (p *NeutrinoProvider) Lookup(ctx context.Context, ip string) (map[string]interface{}, error) {
	if p.user == "" || p.key == "" {
		return nil, ErrNotConfigured
	}
	form := url.Values{"ip": {ip}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.user, p.key)

	out, err := getJSON(p.client, req)
	if err != nil {
		return nil, fmt.Errorf("neutrino: %w", err)
	}
	return out, nil
}

// IPQSProvider queries IPQualityScore.
type IPQSProvider struct {
	baseURL string
	key     string
	client  *http.Client
}

func NewIPQSProvider(baseURL, key string, client *http.Client) *IPQSProvider {
	if baseURL == "" {
		baseURL = DefaultIPQSURL
	}
	return &IPQSProvider{baseURL: strings.TrimRight(baseURL, "/"), key: key, client: client}
}

func (p *IPQSProvider) Name() string { return "ipqualityscore" }

func (p *IPQSProvider) Lookup(ctx context.Context, ip string) (map[string]interface{}, error) {
	if p.key == "" {
		return nil, ErrNotConfigured
	}
	endpoint := p.baseURL + "/" + url.PathEscape(p.key) + "/" + url.PathEscape(ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	out, err := getJSON(p.client, req)
	if err != nil {
		return nil, fmt.Errorf("ipqualityscore: %w", err)
	}
	if ok, present := out["success"].(bool); present && !ok {
		msg, _ := out["message"].(string)
		return nil, fmt.Errorf("ipqualityscore: %s", msg)
	}
	return out, nil
}

// DNSResolver issues PTR queries to a single resolver.
type DNSResolver struct {
	server string
	client *dns.Client
}

// NewDNSResolver uses server (host:port), or the first resolver from
// /etc/resolv.conf when server is empty.
func NewDNSResolver(server string, timeout time.Duration) *DNSResolver {
	if server == "" {
		server = systemResolver()
	}
	return &DNSResolver{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
	}
}

func systemResolver() string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return fallbackResolver
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port)
}

func (r *DNSResolver) LookupPTR(ctx context.Context, ip string) ([]string, error) {
	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("reverse dns: %w", err)
	}

	m := new(dns.Msg)
	m.SetQuestion(arpa, dns.TypePTR)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, fmt.Errorf("reverse dns %s: %w", ip, err)
	}
	switch in.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, nil
	default:
		return nil, fmt.Errorf("reverse dns %s: %s", ip, dns.RcodeToString[in.Rcode])
	}

	var names []string
	for _, rr := range in.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			names = append(names, strings.TrimSuffix(ptr.Ptr, "."))
		}
	}
	return names, nil
}
