package middleware

import (
	"net"
	"net/http"

	"offlinegate/internal/logging"
)

type allowList struct {
	logger logging.Logger
	nets   []*net.IPNet
}

// AllowCIDRs constructs a middleware that only lets through requests whose
// peer address is within one of the given CIDR ranges. An empty list
// allows everyone. Forwarding headers are ignored.
func AllowCIDRs(logger logging.Logger, cidrs []string) (Middleware, error) {
	if len(cidrs) == 0 {
		return func(next http.Handler) http.Handler {
			return next
		}, nil
	}

	var nets []*net.IPNet
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, err
		}
		nets = append(nets, ipnet)
	}

	if logger == nil {
		logger = logging.Nop{}
	}
	a := &allowList{
		logger: logger,
		nets:   nets,
	}

	return a.middleware, nil
}

func (a *allowList) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peer := peerIP(r)
		if peer != nil {
			for _, n := range a.nets {
				if n.Contains(peer) {
					next.ServeHTTP(w, r)
					return
				}
			}
		}

		a.logger.Info("admin request denied",
			"remote", r.RemoteAddr,
			"path", r.URL.Path,
		)
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	})
}

func peerIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}
