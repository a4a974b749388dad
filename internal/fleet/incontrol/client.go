// Package incontrol implements the device-management collaborator against a
// Peplink InControl style REST API.
package incontrol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fleetwise/fleetquota/internal/clock"
	"github.com/fleetwise/fleetquota/internal/config"
	"github.com/fleetwise/fleetquota/internal/fleet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"
)

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Clock  clock.Clock
}

type Client struct {
	base  string
	http  *http.Client
	log   *zap.Logger
	clock clock.Clock
}

func New(p Params) domain.API {
	oauth := clientcredentials.Config{
		ClientID:     p.Config.ICClientID,
		ClientSecret: p.Config.ICClientSecret,
		TokenURL:     p.Config.ICBaseURL + "/api/oauth2/token",
	}
	httpClient := oauth.Client(context.Background())
	httpClient.Timeout = 30 * time.Second
	return &Client{
		base:  p.Config.ICBaseURL,
		http:  httpClient,
		log:   p.Log.Named("incontrol"),
		clock: p.Clock,
	}
}

var Module = fx.Module("fleet.incontrol",
	fx.Provide(New),
)

func jsonBody(payload []byte) io.Reader {
	if payload == nil {
		return nil
	}
	return bytes.NewReader(payload)
}

// envelope is the standard InControl response wrapper.
type envelope struct {
	RespCode string          `json:"resp_code"`
	Data     json.RawMessage `json:"data"`
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("incontrol: GET %s: status %d", path, resp.StatusCode)
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("incontrol: GET %s: %w", path, err)
	}
	if env.RespCode != "SUCCESS" {
		return fmt.Errorf("incontrol: GET %s: resp_code %s", path, env.RespCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func (c *Client) post(ctx context.Context, path string, body any) (bool, error) {
	var payload []byte
	var err error
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return false, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, jsonBody(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return false, fmt.Errorf("incontrol: POST %s: %w", path, err)
	}
	return env.RespCode == "SUCCESS", nil
}

func (c *Client) ListOrganizations(ctx context.Context) ([]domain.Organization, error) {
	var orgs []domain.Organization
	if err := c.get(ctx, "/rest/o", &orgs); err != nil {
		return nil, err
	}
	return orgs, nil
}

func (c *Client) ListGroups(ctx context.Context, orgID string) ([]domain.Group, error) {
	var groups []domain.Group
	if err := c.get(ctx, fmt.Sprintf("/rest/o/%s/g", orgID), &groups); err != nil {
		return nil, err
	}
	for i := range groups {
		groups[i].OrgID = orgID
	}
	return groups, nil
}

func (c *Client) ListDevices(ctx context.Context, orgID string, groupID int64, includeUsage bool) ([]domain.Listing, error) {
	var listings []domain.Listing
	if err := c.get(ctx, fmt.Sprintf("/rest/o/%s/g/%d/d", orgID, groupID), &listings); err != nil {
		return nil, err
	}
	if !includeUsage {
		return listings, nil
	}
	for i := range listings {
		if !listings[i].Online() {
			continue
		}
		if err := c.attachUsage(ctx, orgID, groupID, &listings[i]); err != nil {
			// Usage enrichment is best effort; the engine skips sims
			// without a usage payload.
			c.log.Warn("failed to fetch sim usage",
				zap.String("sn", listings[i].SN),
				zap.Error(err),
			)
		}
	}
	return listings, nil
}

// attachUsage merges the WAN allowance configuration with the month's SIM
// byte counters into the listing's per-sim payloads.
func (c *Client) attachUsage(ctx context.Context, orgID string, groupID int64, listing *domain.Listing) error {
	allowance, err := c.wanAllowance(ctx, orgID, groupID, listing.ID)
	if err != nil {
		return err
	}
	totals, err := c.simMonthlyUsage(ctx, orgID, groupID, listing.ID)
	if err != nil {
		return err
	}
	if sim1, ok := allowance["1"]; ok {
		sim1.UsageKB = totals[1]
		listing.Sim1 = &sim1
	}
	if sim2, ok := allowance["2"]; ok {
		sim2.UsageKB = totals[2]
		listing.Sim2 = &sim2
	}
	return nil
}

func (c *Client) wanAllowance(ctx context.Context, orgID string, groupID, deviceID int64) (map[string]domain.SimUsage, error) {
	var data struct {
		Stat     string                                `json:"stat"`
		Response map[string]map[string]domain.SimUsage `json:"response"`
	}
	path := fmt.Sprintf("/rest/o/%s/g/%d/d/%d/devapi/status.wan.connection.allowance", orgID, groupID, deviceID)
	if err := c.get(ctx, path, &data); err != nil {
		return nil, err
	}
	if data.Stat != "ok" {
		return nil, fmt.Errorf("incontrol: allowance stat %q", data.Stat)
	}
	sims, ok := data.Response["2"]
	if !ok {
		return nil, fmt.Errorf("incontrol: allowance payload missing cellular connection")
	}
	return sims, nil
}

func (c *Client) simMonthlyUsage(ctx context.Context, orgID string, groupID, deviceID int64) (map[int]float64, error) {
	now := c.clock.Now()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	end := start.AddDate(0, 1, -1)
	var rows []struct {
		Slot int     `json:"slot"`
		TX   float64 `json:"tx"`
		RX   float64 `json:"rx"`
	}
	path := fmt.Sprintf("/rest/o/%s/g/%d/d/%d/sim_usages/monthly?start=%s&end=%s",
		orgID, groupID, deviceID, start.Format("2006-01-02"), end.Format("2006-01-02"))
	if err := c.get(ctx, path, &rows); err != nil {
		return nil, err
	}
	totals := make(map[int]float64, len(rows))
	for _, row := range rows {
		totals[row.Slot] += row.TX + row.RX
	}
	return totals, nil
}

// ApplySimAllowance sets an absolute monthly allowance on one SIM and then
// applies the staged configuration. Both steps must acknowledge.
func (c *Client) ApplySimAllowance(ctx context.Context, orgID string, groupID, deviceID int64, sim domain.Sim, limitMB int) (bool, error) {
	simID := 1
	if sim == domain.SimB {
		simID = 2
	}
	body := map[string]any{
		"action": "update",
		"list": []map[string]any{{
			"id": 2,
			"cellular": map[string]any{
				"sim": []map[string]any{{
					"id": simID,
					"bandwidthAllowanceMonitor": map[string]any{
						"enable": true,
						"action": []string{"restrict"},
						"start":  0,
						"monthlyAllowance": map[string]any{
							"value": limitMB,
							"unit":  "MB",
						},
					},
				}},
			},
		}},
	}
	base := fmt.Sprintf("/rest/o/%s/g/%d/d/%d", orgID, groupID, deviceID)
	ok, err := c.post(ctx, base+"/devapi/config.wan.connection", body)
	if err != nil || !ok {
		return false, err
	}
	ok, err = c.post(ctx, base+"/devapi/cmd.config.apply", map[string]any{})
	if err != nil {
		return false, err
	}
	if ok {
		c.log.Info("allowance set",
			zap.String("org_id", orgID),
			zap.Int64("group_id", groupID),
			zap.Int64("device_id", deviceID),
			zap.String("sim", string(sim)),
			zap.Int("limit_mb", limitMB),
		)
	}
	return ok, nil
}
