package enrich

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPAPIProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json/8.8.8.8":
			fmt.Fprint(w, `{"status":"success","country":"United States","countryCode":"US","isp":"Google LLC"}`)
		case "/json/10.0.0.1":
			fmt.Fprint(w, `{"status":"fail","message":"private range"}`)
		default:
			w.WriteHeader(http.StatusTooManyRequests)
		}
	}))
	defer srv.Close()

	p := NewIPAPIProvider(srv.URL+"/json/", srv.Client())
	ctx := context.Background()

	geo, err := p.Lookup(ctx, "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, "US", geo["countryCode"])

	_, err = p.Lookup(ctx, "10.0.0.1")
	assert.ErrorContains(t, err, "private range")

	_, err = p.Lookup(ctx, "1.1.1.1")
	assert.ErrorContains(t, err, "status=429")
}

func TestNeutrinoProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, key, ok := r.BasicAuth()
		if !ok || user != "alice" || key != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, r.ParseForm())
		fmt.Fprintf(w, `{"ip":%q,"is-listed":true,"list-count":3}`, r.PostForm.Get("ip"))
	}))
	defer srv.Close()
	ctx := context.Background()

	p := NewNeutrinoProvider(srv.URL, "alice", "secret", srv.Client())
	assert.Equal(t, "neutrino", p.Name())
	data, err := p.Lookup(ctx, "45.9.148.108")
	require.NoError(t, err)
	assert.Equal(t, "45.9.148.108", data["ip"])
	assert.Equal(t, true, data["is-listed"])

	bad := NewNeutrinoProvider(srv.URL, "alice", "wrong", srv.Client())
	_, err = bad.Lookup(ctx, "45.9.148.108")
	assert.ErrorContains(t, err, "status=401")

	unset := NewNeutrinoProvider(srv.URL, "", "", srv.Client())
	_, err = unset.Lookup(ctx, "45.9.148.108")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestIPQSProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ip/good-key/45.9.148.108" {
			fmt.Fprint(w, `{"success":true,"fraud_score":88,"proxy":true}`)
			return
		}
		fmt.Fprint(w, `{"success":false,"message":"Invalid or unauthorized key."}`)
	}))
	defer srv.Close()
	ctx := context.Background()

	p := NewIPQSProvider(srv.URL+"/ip", "good-key", srv.Client())
	data, err := p.Lookup(ctx, "45.9.148.108")
	require.NoError(t, err)
	assert.Equal(t, float64(88), data["fraud_score"])

	_, err = NewIPQSProvider(srv.URL+"/ip", "bad-key", srv.Client()).Lookup(ctx, "45.9.148.108")
	assert.ErrorContains(t, err, "unauthorized key")

	_, err = NewIPQSProvider(srv.URL, "", srv.Client()).Lookup(ctx, "45.9.148.108")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

// startDNS serves PTR answers for 8.8.8.8 and NXDOMAIN for everything else.
func startDNS(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		q := req.Question[0]
		if q.Qtype == dns.TypePTR && q.Name == "8.8.8.8.in-addr.arpa." {
			m.Answer = append(m.Answer, &dns.PTR{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 60},
				Ptr: "dns.google.",
			})
		} else {
			m.Rcode = dns.RcodeNameError
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestDNSResolver(t *testing.T) {
	r := NewDNSResolver(startDNS(t), time.Second)
	ctx := context.Background()

	names, err := r.LookupPTR(ctx, "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, []string{"dns.google"}, names)

	names, err = r.LookupPTR(ctx, "192.0.2.1")
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = r.LookupPTR(ctx, "not-an-ip")
	assert.Error(t, err)
}

func TestNormalizeWhois(t *testing.T) {
	raw := `
NetRange:       8.8.8.0 - 8.8.8.255
CIDR:           8.8.8.0/24
NetName:        GOGL
OrgName:        Google LLC
Country:        US
RegDate:        2014-03-14
OrgAbuseEmail:  network-abuse@google.com
OrgTechEmail:   Network-Abuse@google.com
`
	data := normalizeWhois(raw)
	assert.Equal(t, "GOGL", data["netname"])
	assert.Equal(t, "Google LLC", data["organization"])
	assert.Equal(t, "US", data["country"])
	assert.Equal(t, "8.8.8.0 - 8.8.8.255", data["network"])
	assert.Equal(t, "2014-03-14", data["created_date"])
	assert.Equal(t, "network-abuse@google.com", data["emails"])
	assert.Contains(t, data["raw_snippet"], "NetName")

	assert.Empty(t, normalizeWhois("   "))
}

func TestMergeDomainWhois(t *testing.T) {
	raw := `Domain Name: PHISH-EXAMPLE.COM
Registry Domain ID: 2336799_DOMAIN_COM-VRSN
Registrar WHOIS Server: whois.example-registrar.com
Registrar URL: http://www.example-registrar.com
Updated Date: 2024-08-14T07:01:34Z
Creation Date: 2023-08-14T04:00:00Z
Registry Expiry Date: 2025-08-13T04:00:00Z
Registrar: Example Registrar, Inc.
Registrar IANA ID: 376
Domain Status: clientTransferProhibited https://icann.org/epp#clientTransferProhibited
Name Server: NS1.PHISH-EXAMPLE.COM
Name Server: NS2.PHISH-EXAMPLE.COM
DNSSEC: unsigned
`
	data := normalizeWhois(raw)
	mergeDomainWhois(raw, data)
	assert.Contains(t, data["nameservers"], "ns1.phish-example.com")
	assert.NotEmpty(t, data["registrar"])
	assert.NotEmpty(t, data["created_date"])

	// unparseable input leaves the regex fields alone
	ip := map[string]string{"netname": "GOGL"}
	mergeDomainWhois("NetName: GOGL", ip)
	assert.Equal(t, map[string]string{"netname": "GOGL"}, ip)
}

func TestWhoisClientRejectsEmpty(t *testing.T) {
	_, err := NewWhoisClient(time.Second).Lookup(context.Background(), " ")
	assert.Error(t, err)
}
