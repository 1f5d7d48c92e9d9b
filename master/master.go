// Package master talks to the matchmaking service that hands out game
// server addresses and party tokens.
package master

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"deltatabs/logging"
)

const (
	FindServerPath = "/v4/findServer"
	GetTokenPath   = "/v4/getToken"
	RegionsPath    = "/info"

	// AddressTemplate turns a server token back into a socket address.
	AddressTemplate = "wss://live-arena-%s.agar.io:443"

	DefaultSupportVersion = "15.0.3"
)

var (
	ErrBadVersion  = errors.New("master: malformed version string")
	ErrNoEndpoint  = errors.New("master: response carries no endpoint")
	ErrUnavailable = errors.New("master: service unavailable")
)

// Target is everything a Connection needs to reach one game server.
type Target struct {
	Address             string
	ServerToken         string
	PartyToken          string
	ProtocolVersion     uint32
	ClientVersion       uint32
	ClientVersionString string
}

func (t Target) String() string {
	if t.PartyToken != "" {
		return fmt.Sprintf("%s (party %s)", t.Address, t.PartyToken)
	}
	return t.Address
}

// ParseVersion packs "a.b.c" as 10000*a + 100*b + c.
func ParseVersion(s string) (uint32, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w: %q", ErrBadVersion, s)
	}
	var n [3]uint32
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrBadVersion, s)
		}
		n[i] = uint32(v)
	}
	return 10000*n[0] + 100*n[1] + n[2], nil
}

// ServerToken extracts the arena token from an endpoint host such as
// "live-arena-1jkvvq9.agar.io:443".
func ServerToken(host string) string {
	parts := strings.SplitN(host, "-", 3)
	if len(parts) < 3 {
		return ""
	}
	tok, _, _ := strings.Cut(parts[2], ".")
	return tok
}

// ByServerToken builds a Target for a server token typed in by the user.
func ByServerToken(token string, protocol uint32, clientVersion string) (Target, error) {
	cv, err := ParseVersion(clientVersion)
	if err != nil {
		return Target{}, err
	}
	return Target{
		Address:             fmt.Sprintf(AddressTemplate, token),
		ServerToken:         token,
		ProtocolVersion:     protocol,
		ClientVersion:       cv,
		ClientVersionString: clientVersion,
	}, nil
}

// FindServerRequest encodes the find-server body for region and mode.
func FindServerRequest(region, mode string) []byte {
	out := make([]byte, 0, 6+len(region)+len(mode))
	out = append(out, 10, byte(4+len(region)+len(mode)), 10, byte(len(region)))
	out = append(out, region...)
	out = append(out, 18, byte(len(mode)))
	return append(out, mode...)
}

// TokenRequest encodes the get-token body used to join an existing party.
func TokenRequest(region, token string) []byte {
	out := make([]byte, 0, 10+len(region)+len(token))
	out = append(out, 10, byte(4+len(region)), 10, byte(len(region)))
	out = append(out, region...)
	out = append(out, 18, 0, 26, 8, 10, byte(len(token)))
	return append(out, token...)
}

type endpoints struct {
	HTTPS string `json:"https"`
	HTTP  string `json:"http"`
}

type serverResponse struct {
	Token     string    `json:"token"`
	Status    string    `json:"status"`
	Endpoints endpoints `json:"endpoints"`
}

// Client is a matchmaking client. The zero value is not usable; see New.
type Client struct {
	BaseURL        string
	Origin         string
	HTTP           *http.Client
	SupportVersion string

	ProtocolVersion     uint32
	ClientVersionString string
}

func New(baseURL, origin string, protocol uint32, clientVersion string) *Client {
	return &Client{
		BaseURL:             strings.TrimRight(baseURL, "/"),
		Origin:              origin,
		HTTP:                &http.Client{Timeout: 15 * time.Second},
		SupportVersion:      DefaultSupportVersion,
		ProtocolVersion:     protocol,
		ClientVersionString: clientVersion,
	}
}

func (c *Client) post(ctx context.Context, path string, body []byte, out any) error {
	cv, err := ParseVersion(c.ClientVersionString)
	if err != nil {
		return err
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	u := c.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/plain, */*, q=0.01")
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("x-support-proto-version", c.SupportVersion)
	req.Header.Set("x-client-version", strconv.FormatUint(uint64(cv), 10))
	if c.Origin != "" {
		req.Header.Set("Origin", c.Origin)
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		logging.Errorf("POST %v: %v", u, err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: POST %v: %v", ErrUnavailable, u, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("master: decode %v: %w", path, err)
	}
	return nil
}

func (c *Client) assemble(r serverResponse) (Target, error) {
	if r.Endpoints.HTTPS == "" {
		return Target{}, fmt.Errorf("%w (status %q)", ErrNoEndpoint, r.Status)
	}
	cv, err := ParseVersion(c.ClientVersionString)
	if err != nil {
		return Target{}, err
	}
	addr := "wss://" + r.Endpoints.HTTPS
	if r.Token != "" {
		addr += "?party_id=" + url.QueryEscape(r.Token)
	}
	return Target{
		Address:             addr,
		ServerToken:         ServerToken(r.Endpoints.HTTPS),
		PartyToken:          r.Token,
		ProtocolVersion:     c.ProtocolVersion,
		ClientVersion:       cv,
		ClientVersionString: c.ClientVersionString,
	}, nil
}

// FindServer asks for a fresh server in region running mode.
func (c *Client) FindServer(ctx context.Context, region, mode string) (Target, error) {
	var r serverResponse
	if err := c.post(ctx, FindServerPath, FindServerRequest(region, mode), &r); err != nil {
		return Target{}, err
	}
	logging.Debugf("master: findServer %s%s -> %s (%s)", region, mode, r.Endpoints.HTTPS, r.Status)
	return c.assemble(r)
}

// JoinParty resolves the server hosting the party token. An empty token
// creates a new party.
func (c *Client) JoinParty(ctx context.Context, region, token string) (Target, error) {
	if token == "" {
		return c.FindServer(ctx, region, ":party")
	}
	var r serverResponse
	if err := c.post(ctx, GetTokenPath, TokenRequest(region, token), &r); err != nil {
		return Target{}, err
	}
	if r.Token == "" {
		r.Token = token
	}
	return c.assemble(r)
}

// Connect picks the discovery path for the configured mode.
func (c *Client) Connect(ctx context.Context, region, mode, token string) (Target, error) {
	if mode == ":party" {
		return c.JoinParty(ctx, region, token)
	}
	return c.FindServer(ctx, region, mode)
}

// Region is one matchmaking region with its current population.
type Region struct {
	Code    string
	Name    string
	Players int
}

var regionNames = map[string]string{
	"EU-London":    "Europe",
	"US-Atlanta":   "North America",
	"RU-Russia":    "Russia",
	"BR-Brazil":    "South America",
	"TK-Turkey":    "Turkey",
	"JP-Tokyo":     "East Asia",
	"CN-China":     "China",
	"SG-Singapore": "Oceania",
}

// RegionName maps a region code to its display name.
func RegionName(code string) string {
	if n, ok := regionNames[code]; ok {
		return n
	}
	return "Europe"
}

// RegionCode is the inverse of RegionName; unknown names pass through.
func RegionCode(name string) string {
	for code, n := range regionNames {
		if n == name {
			return code
		}
	}
	return name
}

// Regions fetches the region list sorted by code.
func (c *Client) Regions(ctx context.Context) ([]Region, error) {
	var r struct {
		Regions map[string]struct {
			NumPlayers int `json:"numPlayers"`
		} `json:"regions"`
	}
	if err := c.post(ctx, RegionsPath, nil, &r); err != nil {
		return nil, err
	}
	out := make([]Region, 0, len(r.Regions))
	for code, info := range r.Regions {
		out = append(out, Region{Code: code, Name: RegionName(code), Players: info.NumPlayers})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

var (
	versionRE = regexp.MustCompile(`versionString="(\d+\.\d+\.\d+)"`)
	supportRE = regexp.MustCompile(`x-support-proto-version","(\d+\.\d+\.\d+)"`)
)

// ScrapeVersions pulls the client version string and the supported proto
// version out of the game's published script bundle.
func ScrapeVersions(script []byte) (client, support string, err error) {
	m := versionRE.FindSubmatch(script)
	if m == nil {
		return "", "", fmt.Errorf("%w: versionString not found", ErrBadVersion)
	}
	client = string(m[1])
	support = DefaultSupportVersion
	if s := supportRE.FindSubmatch(script); s != nil {
		support = string(s[1])
	}
	return client, support, nil
}

// RefreshVersions downloads scriptURL and updates the client's version
// headers from it.
func (c *Client) RefreshVersions(ctx context.Context, scriptURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, scriptURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cache-Control", "no-cache")
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		logging.Errorf("GET %v: %v", scriptURL, err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: GET %v: %v", ErrUnavailable, scriptURL, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}
	client, support, err := ScrapeVersions(body)
	if err != nil {
		return err
	}
	c.ClientVersionString = client
	c.SupportVersion = support
	return nil
}

// Private servers speak a fixed protocol and ignore the matchmaker.
const (
	PrivateProtocol      = 22
	PrivateClientVersion = 31100
)

var PrivateServers = map[string]string{
	"Arctida":          "wss://imsolo.pro:2109/",
	"Dagestan":         "wss://imsolo.pro:2108/",
	"Delta FFA":        "wss://delta-ffa.glitch.me",
	"FeelForeverAlone": "wss://imsolo.pro:2102",
	"N.A. FFA":         "wss://delta-ffa-production.up.railway.app",
	"N.A. Party":       "wss://delta-server-production.up.railway.app",
	"Private Party":    "wss://tragedy-party.glitch.me",
	"Rookery":          "wss://imsolo.pro:2104/",
	"Zimbabwe":         "wss://delta-selffeed.glitch.me",
}

// Private resolves a private server by name. A non-empty address overrides
// the table.
func Private(name, address string) (Target, error) {
	if address == "" {
		address = PrivateServers[name]
	}
	if address == "" {
		return Target{}, fmt.Errorf("%w: unknown private server %q", ErrNoEndpoint, name)
	}
	return Target{
		Address:         address,
		ProtocolVersion: PrivateProtocol,
		ClientVersion:   PrivateClientVersion,
	}, nil
}
