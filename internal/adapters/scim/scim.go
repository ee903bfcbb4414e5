// Package scim implements the directory service over a SCIM 2.0 API.
// Directory user ids are SCIM userName values; the server-assigned resource
// id is looked up on demand.
package scim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"resty.dev/v3"

	"github.com/MahdiBaghbani/onboarding-go/internal/components/capabilities"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/logutil"
)

const (
	contentType = "application/scim+json"
	pageSize    = 100

	schemaUser    = "urn:ietf:params:scim:schemas:core:2.0:User"
	schemaPatchOp = "urn:ietf:params:scim:api:messages:2.0:PatchOp"
)

// ErrUserNotFound is returned when no account has the given userName.
var ErrUserNotFound = errors.New("scim: user not found")

// Config configures the client.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

type name struct {
	GivenName  string `json:"givenName,omitempty"`
	FamilyName string `json:"familyName,omitempty"`
}

type email struct {
	Value   string `json:"value"`
	Type    string `json:"type,omitempty"`
	Primary bool   `json:"primary,omitempty"`
}

type user struct {
	Schemas     []string `json:"schemas,omitempty"`
	ID          string   `json:"id,omitempty"`
	UserName    string   `json:"userName"`
	Name        *name    `json:"name,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
	Emails      []email  `json:"emails,omitempty"`
	Active      bool     `json:"active"`
}

func (u *user) primaryEmail() string {
	for _, e := range u.Emails {
		if e.Primary {
			return e.Value
		}
	}
	if len(u.Emails) > 0 {
		return u.Emails[0].Value
	}
	return ""
}

type group struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type listResponse[T any] struct {
	Schemas      []string `json:"schemas"`
	TotalResults int      `json:"totalResults"`
	StartIndex   int      `json:"startIndex"`
	ItemsPerPage int      `json:"itemsPerPage"`
	Resources    []T      `json:"Resources"`
}

type patchOperation struct {
	Op    string `json:"op"`
	Path  string `json:"path,omitempty"`
	Value any    `json:"value,omitempty"`
}

type patchRequest struct {
	Schemas    []string         `json:"schemas"`
	Operations []patchOperation `json:"Operations"`
}

type memberRef struct {
	Value string `json:"value"`
}

// apiError is the SCIM error body.
type apiError struct {
	Detail   string `json:"detail"`
	Status   string `json:"status"`
	ScimType string `json:"scimType"`
}

// Directory implements capabilities.DirectoryService.
type Directory struct {
	client *resty.Client
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) (*Directory, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("scim: base_url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	var c *resty.Client
	if cfg.HTTPClient != nil {
		c = resty.NewWithClient(cfg.HTTPClient)
	} else {
		c = resty.New()
	}
	c.SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", contentType).
		SetError(&apiError{})
	if cfg.Token != "" {
		c.SetAuthToken(cfg.Token)
	}

	return &Directory{client: c, logger: logutil.NoopIfNil(logger)}, nil
}

// Close releases idle connections.
func (d *Directory) Close() error { return d.client.Close() }

func (d *Directory) request(ctx context.Context) *resty.Request {
	return d.client.R().SetContext(ctx)
}

// check converts a failed response into an error. Server errors and
// throttling are transient.
func check(op string, res *resty.Response, err error) error {
	if err != nil {
		return capabilities.Transient("scim "+op, err)
	}
	if res.IsSuccess() {
		return nil
	}

	msg := res.Status()
	if e, ok := res.Error().(*apiError); ok && e != nil && e.Detail != "" {
		msg = e.Detail
	}
	status := res.StatusCode()
	failure := fmt.Errorf("scim %s: %d: %s", op, status, msg)
	if status >= 500 || status == http.StatusTooManyRequests {
		return capabilities.Transient("scim "+op, failure)
	}
	return failure
}

func (d *Directory) CreateUser(ctx context.Context, id, emailAddr, displayName, firstName, lastName string) error {
	body := user{
		Schemas:     []string{schemaUser},
		UserName:    id,
		DisplayName: displayName,
		Emails:      []email{{Value: emailAddr, Type: "work", Primary: true}},
		Active:      true,
	}
	if firstName != "" || lastName != "" {
		body.Name = &name{GivenName: firstName, FamilyName: lastName}
	}

	var created user
	res, err := d.request(ctx).
		SetHeader("Content-Type", contentType).
		SetBody(body).
		SetResult(&created).
		Post("/Users")
	if err := check("create user", res, err); err != nil {
		return err
	}
	d.logger.Info("directory user created", "username", id, "scim_id", created.ID)
	return nil
}

// findUser looks up the SCIM resource for userName.
func (d *Directory) findUser(ctx context.Context, userName string) (*user, error) {
	var list listResponse[user]
	res, err := d.request(ctx).
		SetQueryParam("filter", fmt.Sprintf("userName eq %q", userName)).
		SetResult(&list).
		Get("/Users")
	if err := check("find user", res, err); err != nil {
		return nil, err
	}
	for i := range list.Resources {
		if strings.EqualFold(list.Resources[i].UserName, userName) {
			return &list.Resources[i], nil
		}
	}
	return nil, ErrUserNotFound
}

func (d *Directory) SetPassword(ctx context.Context, userID, password string) error {
	u, err := d.findUser(ctx, userID)
	if err != nil {
		return err
	}
	res, err := d.request(ctx).
		SetHeader("Content-Type", contentType).
		SetPathParam("id", u.ID).
		SetBody(patchRequest{
			Schemas:    []string{schemaPatchOp},
			Operations: []patchOperation{{Op: "replace", Path: "password", Value: password}},
		}).
		Patch("/Users/{id}")
	return check("set password", res, err)
}

func (d *Directory) AddToGroup(ctx context.Context, userID, groupID string) error {
	u, err := d.findUser(ctx, userID)
	if err != nil {
		return err
	}
	res, err := d.request(ctx).
		SetHeader("Content-Type", contentType).
		SetPathParam("id", groupID).
		SetBody(patchRequest{
			Schemas:    []string{schemaPatchOp},
			Operations: []patchOperation{{Op: "add", Path: "members", Value: []memberRef{{Value: u.ID}}}},
		}).
		Patch("/Groups/{id}")
	return check("add group member", res, err)
}

// DeleteUser removes the account. A missing account is not an error.
func (d *Directory) DeleteUser(ctx context.Context, userID string) error {
	u, err := d.findUser(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	res, err := d.request(ctx).SetPathParam("id", u.ID).Delete("/Users/{id}")
	if err == nil && res.StatusCode() == http.StatusNotFound {
		return nil
	}
	if err := check("delete user", res, err); err != nil {
		return err
	}
	d.logger.Info("directory user deleted", "username", userID)
	return nil
}

func (d *Directory) ListUsers(ctx context.Context) ([]capabilities.User, error) {
	var out []capabilities.User
	err := paginate(ctx, d, "/Users", func(u user) {
		out = append(out, capabilities.User{ID: u.UserName, Email: u.primaryEmail(), DisplayName: u.DisplayName})
	})
	return out, err
}

func (d *Directory) ListGroups(ctx context.Context) ([]capabilities.Group, error) {
	var out []capabilities.Group
	err := paginate(ctx, d, "/Groups", func(g group) {
		out = append(out, capabilities.Group{ID: g.ID, Name: g.DisplayName})
	})
	return out, err
}

// paginate walks a SCIM list endpoint using startIndex and count.
func paginate[T any](ctx context.Context, d *Directory, path string, visit func(T)) error {
	start := 1
	for {
		var page listResponse[T]
		res, err := d.request(ctx).
			SetQueryParam("startIndex", strconv.Itoa(start)).
			SetQueryParam("count", strconv.Itoa(pageSize)).
			SetResult(&page).
			Get(path)
		if err := check("list "+strings.TrimPrefix(path, "/"), res, err); err != nil {
			return err
		}
		for _, r := range page.Resources {
			visit(r)
		}
		start += len(page.Resources)
		if len(page.Resources) == 0 || start > page.TotalResults {
			return nil
		}
	}
}

var _ capabilities.DirectoryService = (*Directory)(nil)
