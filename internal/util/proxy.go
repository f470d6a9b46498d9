package util

import (
	"net/http"
	"net/url"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// SetProxy routes the client's outbound traffic through proxyURL. Supported
// schemes are http, https, and socks5. An empty or unusable URL leaves the
// client untouched; the gateway keeps running direct rather than failing.
func SetProxy(proxyURL string, client *http.Client) *http.Client {
	if proxyURL == "" {
		return client
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		log.Warnf("proxy: ignoring malformed url %q: %v", proxyURL, err)
		return client
	}
	switch u.Scheme {
	case "http", "https":
		transport := baseTransport(client)
		transport.Proxy = http.ProxyURL(u)
		client.Transport = transport
	case "socks5":
		var auth *proxy.Auth
		if u.User != nil {
			password, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
		if err != nil {
			log.Warnf("proxy: cannot build socks5 dialer for %q: %v", proxyURL, err)
			return client
		}
		transport := baseTransport(client)
		transport.Proxy = nil
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		}
		client.Transport = transport
	default:
		log.Warnf("proxy: unsupported scheme %q in %q", u.Scheme, proxyURL)
	}
	return client
}

func baseTransport(client *http.Client) *http.Transport {
	if t, ok := client.Transport.(*http.Transport); ok && t != nil {
		return t.Clone()
	}
	return http.DefaultTransport.(*http.Transport).Clone()
}
