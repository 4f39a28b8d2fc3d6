// ABOUTME: Builds geo-targeted proxy URLs for pooled account logins
// ABOUTME: The provider encodes country and city routing in the proxy username

package accounts

import "fmt"

const (
	proxyHost = "proxy.soax.com"
	proxyPort = 9000
)

// ProxyURL builds a residential proxy URL that routes traffic through the
// rep's country and city. The provider packs the routing selectors into the
// credential portion of the URL.
func ProxyURL(password string, rep SalesRep) string {
	return fmt.Sprintf("http://%s:wifi;%s;starlink;%s;%s@%s:%d",
		password, rep.Country, rep.City, rep.City, proxyHost, proxyPort)
}
