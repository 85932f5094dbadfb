package httpapi

import (
	"crypto/md5" //nolint:gosec // required by RFC 7616 MD5 digest
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// digestChallenge is a parsed WWW-Authenticate Digest challenge (RFC 7616).
// Stock Antminer lighttpd serves MD5 with qop=auth; SHA-256 and the -sess
// variants are accepted too. nc counts requests made under one nonce so the
// challenge can be reused without another 401 round trip.
type digestChallenge struct {
	realm  string
	nonce  string
	opaque string
	// qop is "auth" or empty for RFC 2069 servers.
	qop  string
	algo string
	sess bool
	newH func() hash.Hash
	nc   uint32
}

func parseDigestChallenge(h string) (digestChallenge, bool) {
	scheme, params := authParams(h)
	if !strings.EqualFold(scheme, "digest") || params["realm"] == "" || params["nonce"] == "" {
		return digestChallenge{}, false
	}
	c := digestChallenge{
		realm:  params["realm"],
		nonce:  params["nonce"],
		opaque: params["opaque"],
		algo:   params["algorithm"],
	}
	algo := strings.ToUpper(c.algo)
	algo, c.sess = strings.CutSuffix(algo, "-SESS")
	switch algo {
	case "", "MD5":
		c.newH = md5.New
	case "SHA-256":
		c.newH = sha256.New
	default:
		return digestChallenge{}, false
	}
	if q, ok := params["qop"]; ok {
		for _, v := range strings.Split(q, ",") {
			if strings.TrimSpace(v) == "auth" {
				c.qop = "auth"
			}
		}
		if c.qop == "" {
			// auth-int only: bodies would have to be hashed.
			return digestChallenge{}, false
		}
	}
	return c, true
}

// authParams splits an auth header into its scheme and lower-cased
// parameters. Commas inside quoted values are kept.
func authParams(h string) (string, map[string]string) {
	h = strings.TrimSpace(h)
	scheme, rest, _ := strings.Cut(h, " ")
	params := map[string]string{}
	var cur strings.Builder
	quoted := false
	flush := func() {
		k, v, ok := strings.Cut(cur.String(), "=")
		if ok {
			params[strings.ToLower(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(v), `"`)
		}
		cur.Reset()
	}
	for _, r := range rest {
		switch {
		case r == '"':
			quoted = !quoted
		case r == ',' && !quoted:
			flush()
			continue
		}
		cur.WriteRune(r)
	}
	flush()
	return scheme, params
}

func (c *digestChallenge) sum(parts ...string) string {
	h := c.newH()
	h.Write([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *digestChallenge) authorize(username, password, method, uri string) string {
	c.nc++
	return c.header(username, password, method, uri, newCnonce())
}

func (c *digestChallenge) header(username, password, method, uri, cnonce string) string {
	ha1 := c.sum(username, c.realm, password)
	if c.sess {
		ha1 = c.sum(ha1, c.nonce, cnonce)
	}
	ha2 := c.sum(method, uri)
	nc := fmt.Sprintf("%08x", c.nc)

	var response string
	if c.qop != "" {
		response = c.sum(ha1, c.nonce, nc, cnonce, c.qop, ha2)
	} else {
		response = c.sum(ha1, c.nonce, ha2)
	}

	fields := []string{
		fmt.Sprintf("username=%q", username),
		fmt.Sprintf("realm=%q", c.realm),
		fmt.Sprintf("nonce=%q", c.nonce),
		fmt.Sprintf("uri=%q", uri),
		fmt.Sprintf("response=%q", response),
	}
	if c.algo != "" {
		fields = append(fields, "algorithm="+c.algo)
	}
	if c.opaque != "" {
		fields = append(fields, fmt.Sprintf("opaque=%q", c.opaque))
	}
	if c.qop != "" {
		fields = append(fields, "qop="+c.qop, "nc="+nc, fmt.Sprintf("cnonce=%q", cnonce))
	}
	return "Digest " + strings.Join(fields, ", ")
}

func newCnonce() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
