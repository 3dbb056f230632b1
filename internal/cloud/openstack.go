package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// OpenStackCredentials holds one provider's keystone credentials and
// service endpoints. Endpoints are configured explicitly rather than
// discovered from the catalog.
type OpenStackCredentials struct {
	AuthURL     string // keystone v3 base, e.g. https://host:5000/v3
	Username    string
	Password    string
	ProjectName string
	Domain      string
	ImageURL    string // glance v2 base
	VolumeURL   string // cinder v3 base, project scoped
	ComputeURL  string // nova v2.1 base, project scoped
}

// OpenStackFactory builds and caches one client per provider.
type OpenStackFactory struct {
	creds map[int64]OpenStackCredentials

	mu      sync.Mutex
	clients map[int64]*OpenStackClient
	http    *http.Client
}

func NewOpenStackFactory(creds map[int64]OpenStackCredentials) *OpenStackFactory {
	return &OpenStackFactory{
		creds:   creds,
		clients: map[int64]*OpenStackClient{},
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (f *OpenStackFactory) SourceFor(ctx context.Context, providerID int64) (SnapshotSource, error) {
	return f.ClientFor(ctx, providerID)
}

// ClientFor returns the concrete client, exposing the instance action
// methods alongside the snapshot interface.
func (f *OpenStackFactory) ClientFor(ctx context.Context, providerID int64) (*OpenStackClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[providerID]; ok {
		return c, nil
	}
	creds, ok := f.creds[providerID]
	if !ok {
		return nil, fmt.Errorf("no cloud credentials configured for provider %d", providerID)
	}
	c := &OpenStackClient{creds: creds, http: f.http}
	f.clients[providerID] = c
	return c, nil
}

// OpenStackClient talks to one OpenStack deployment's REST APIs with a
// cached keystone token.
type OpenStackClient struct {
	creds OpenStackCredentials
	http  *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func (c *OpenStackClient) authToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Until(c.tokenExp) > time.Minute {
		return c.token, nil
	}

	domain := c.creds.Domain
	if domain == "" {
		domain = "default"
	}
	payload := map[string]any{
		"auth": map[string]any{
			"identity": map[string]any{
				"methods": []string{"password"},
				"password": map[string]any{
					"user": map[string]any{
						"name":     c.creds.Username,
						"domain":   map[string]string{"id": domain},
						"password": c.creds.Password,
					},
				},
			},
			"scope": map[string]any{
				"project": map[string]any{
					"name":   c.creds.ProjectName,
					"domain": map[string]string{"id": domain},
				},
			},
		},
	}
	raw, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.creds.AuthURL+"/auth/tokens", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("keystone auth: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("keystone auth: status %d: %s", resp.StatusCode, string(body))
	}
	var tokenResp struct {
		Token struct {
			ExpiresAt time.Time `json:"expires_at"`
		} `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	c.token = resp.Header.Get("X-Subject-Token")
	c.tokenExp = tokenResp.Token.ExpiresAt
	log.Debug().Str("project", c.creds.ProjectName).Time("expires", c.tokenExp).
		Msg("keystone token refreshed")
	return c.token, nil
}

// do issues an authenticated request and decodes the JSON response into
// out when it is non-nil.
func (c *OpenStackClient) do(ctx context.Context, method, url string, body, out any) error {
	token, err := c.authToken(ctx)
	if err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Auth-Token", token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 400:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// glance returns extra image properties at the top level of each record,
// so images decode through a generic map.
var knownImageKeys = map[string]bool{
	"id": true, "name": true, "status": true, "visibility": true,
	"owner": true, "created_at": true, "checksum": true, "size": true,
	"file": true, "schema": true, "self": true, "tags": true,
	"min_disk": true, "min_ram": true, "protected": true,
	"container_format": true, "disk_format": true,
}

func imageFromRaw(raw map[string]any) *Image {
	str := func(key string) string {
		v, _ := raw[key].(string)
		return v
	}
	img := &Image{
		ID:         str("id"),
		Name:       str("name"),
		Status:     str("status"),
		Visibility: str("visibility"),
		Owner:      str("owner"),
		Metadata:   map[string]string{},
	}
	if created, err := time.Parse(time.RFC3339, str("created_at")); err == nil {
		img.CreatedAt = created
	}
	if cf := str("container_format"); cf != "" {
		img.Metadata["container_format"] = cf
	}
	for key, val := range raw {
		if knownImageKeys[key] {
			continue
		}
		if s, ok := val.(string); ok {
			img.Metadata[key] = s
		}
	}
	img.ApplicationOwner = img.Metadata["application_owner"]
	return img
}

func (c *OpenStackClient) ListImages(ctx context.Context) ([]*Image, error) {
	var out struct {
		Images []map[string]any `json:"images"`
	}
	if err := c.do(ctx, http.MethodGet, c.creds.ImageURL+"/v2/images?limit=1000", nil, &out); err != nil {
		return nil, err
	}
	images := make([]*Image, 0, len(out.Images))
	for _, raw := range out.Images {
		images = append(images, imageFromRaw(raw))
	}
	return images, nil
}

func (c *OpenStackClient) GetImage(ctx context.Context, id string) (*Image, error) {
	var raw map[string]any
	if err := c.do(ctx, http.MethodGet, c.creds.ImageURL+"/v2/images/"+id, nil, &raw); err != nil {
		return nil, err
	}
	return imageFromRaw(raw), nil
}

func (c *OpenStackClient) ListVolumes(ctx context.Context) ([]*Volume, error) {
	var out struct {
		Volumes []struct {
			ID        string `json:"id"`
			Name      string `json:"name"`
			Size      int    `json:"size"`
			TenantID  string `json:"os-vol-tenant-attr:tenant_id"`
			CreatedAt string `json:"created_at"`
		} `json:"volumes"`
	}
	if err := c.do(ctx, http.MethodGet, c.creds.VolumeURL+"/volumes/detail?all_tenants=1", nil, &out); err != nil {
		return nil, err
	}
	volumes := make([]*Volume, 0, len(out.Volumes))
	for _, v := range out.Volumes {
		vol := &Volume{ID: v.ID, Name: v.Name, Size: v.Size, TenantID: v.TenantID}
		if created, err := time.Parse("2006-01-02T15:04:05.000000", v.CreatedAt); err == nil {
			vol.CreatedAt = created
		}
		volumes = append(volumes, vol)
	}
	return volumes, nil
}

func (c *OpenStackClient) ListSizes(ctx context.Context) ([]*Size, error) {
	var out struct {
		Flavors []struct {
			ID    string `json:"id"`
			Name  string `json:"name"`
			VCPUs int    `json:"vcpus"`
			RAM   int    `json:"ram"`
			Disk  int    `json:"disk"`
		} `json:"flavors"`
	}
	if err := c.do(ctx, http.MethodGet, c.creds.ComputeURL+"/flavors/detail", nil, &out); err != nil {
		return nil, err
	}
	sizes := make([]*Size, 0, len(out.Flavors))
	for _, f := range out.Flavors {
		sizes = append(sizes, &Size{ID: f.ID, Name: f.Name, CPU: f.VCPUs, MemMB: f.RAM, DiskGB: f.Disk})
	}
	return sizes, nil
}

func (c *OpenStackClient) GetSize(ctx context.Context, id string) (*Size, error) {
	var out struct {
		Flavor struct {
			ID    string `json:"id"`
			Name  string `json:"name"`
			VCPUs int    `json:"vcpus"`
			RAM   int    `json:"ram"`
			Disk  int    `json:"disk"`
		} `json:"flavor"`
	}
	if err := c.do(ctx, http.MethodGet, c.creds.ComputeURL+"/flavors/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &Size{ID: out.Flavor.ID, Name: out.Flavor.Name, CPU: out.Flavor.VCPUs,
		MemMB: out.Flavor.RAM, DiskGB: out.Flavor.Disk}, nil
}

func (c *OpenStackClient) ListInstances(ctx context.Context) ([]*Instance, error) {
	var out struct {
		Servers []struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			TenantID string `json:"tenant_id"`
			Status   string `json:"status"`
			Task     string `json:"OS-EXT-STS:task_state"`
			Flavor   struct {
				ID string `json:"id"`
			} `json:"flavor"`
			Fault struct {
				Message string `json:"message"`
				Details string `json:"details"`
			} `json:"fault"`
			LaunchedAt string `json:"OS-SRV-USG:launched_at"`
		} `json:"servers"`
	}
	if err := c.do(ctx, http.MethodGet, c.creds.ComputeURL+"/servers/detail?all_tenants=1", nil, &out); err != nil {
		return nil, err
	}
	instances := make([]*Instance, 0, len(out.Servers))
	for _, s := range out.Servers {
		inst := &Instance{
			ID:       s.ID,
			Name:     s.Name,
			OwnerID:  s.TenantID,
			Status:   strings.ToLower(s.Status),
			Activity: s.Task,
			SizeID:   s.Flavor.ID,
		}
		if s.Fault.Message != "" {
			inst.Fault = map[string]string{"message": s.Fault.Message, "details": s.Fault.Details}
		}
		if launched, err := time.Parse("2006-01-02T15:04:05.000000", s.LaunchedAt); err == nil {
			inst.LaunchAt = launched
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

func (c *OpenStackClient) ListProjects(ctx context.Context) ([]*Project, error) {
	var out struct {
		Projects []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"projects"`
	}
	if err := c.do(ctx, http.MethodGet, c.creds.AuthURL+"/projects", nil, &out); err != nil {
		return nil, err
	}
	projects := make([]*Project, 0, len(out.Projects))
	for _, p := range out.Projects {
		projects = append(projects, &Project{ID: p.ID, Name: p.Name})
	}
	return projects, nil
}

func (c *OpenStackClient) GetProject(ctx context.Context, name string) (*Project, error) {
	projects, err := c.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (c *OpenStackClient) GetProjectByID(ctx context.Context, id string) (*Project, error) {
	var out struct {
		Project struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"project"`
	}
	if err := c.do(ctx, http.MethodGet, c.creds.AuthURL+"/projects/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &Project{ID: out.Project.ID, Name: out.Project.Name}, nil
}

func (c *OpenStackClient) GetImageMembers(ctx context.Context, imageID string) ([]*ImageMember, error) {
	var out struct {
		Members []struct {
			MemberID string `json:"member_id"`
		} `json:"members"`
	}
	if err := c.do(ctx, http.MethodGet, c.creds.ImageURL+"/v2/images/"+imageID+"/members", nil, &out); err != nil {
		return nil, err
	}
	members := make([]*ImageMember, 0, len(out.Members))
	for _, m := range out.Members {
		members = append(members, &ImageMember{MemberID: m.MemberID})
	}
	return members, nil
}

func (c *OpenStackClient) Share(ctx context.Context, imageID, projectName string) error {
	project, err := c.GetProject(ctx, projectName)
	if err != nil {
		return fmt.Errorf("resolve project %s: %w", projectName, err)
	}
	err = c.do(ctx, http.MethodPost, c.creds.ImageURL+"/v2/images/"+imageID+"/members",
		map[string]string{"member": project.ID}, nil)
	if err != nil && strings.Contains(err.Error(), "status 409") {
		return ErrAlreadyShared
	}
	return err
}

func (c *OpenStackClient) serverAction(ctx context.Context, instanceID string, body any) error {
	return c.do(ctx, http.MethodPost, c.creds.ComputeURL+"/servers/"+instanceID+"/action", body, nil)
}

func (c *OpenStackClient) Suspend(ctx context.Context, instanceID string) error {
	return c.serverAction(ctx, instanceID, map[string]any{"suspend": nil})
}

func (c *OpenStackClient) Stop(ctx context.Context, instanceID string) error {
	return c.serverAction(ctx, instanceID, map[string]any{"os-stop": nil})
}

func (c *OpenStackClient) Shelve(ctx context.Context, instanceID string) error {
	return c.serverAction(ctx, instanceID, map[string]any{"shelve": nil})
}

func (c *OpenStackClient) ShelveOffload(ctx context.Context, instanceID string) error {
	return c.serverAction(ctx, instanceID, map[string]any{"shelveOffload": nil})
}

func (c *OpenStackClient) Terminate(ctx context.Context, instanceID string) error {
	return c.do(ctx, http.MethodDelete, c.creds.ComputeURL+"/servers/"+instanceID, nil, nil)
}
