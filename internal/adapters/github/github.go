// Package github implements the code review gateway on the GitHub REST API.
// Each invite gets a branch with a single user file under the configured
// users directory; merging the pull request is what provisions the user.
package github

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	gh "github.com/google/go-github/v80/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/MahdiBaghbani/onboarding-go/internal/components/capabilities"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/invites"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/logutil"
)

const (
	// DefaultTimeout is the HTTP request timeout.
	DefaultTimeout = 30 * time.Second

	// maxCandidates bounds the username suffix search.
	maxCandidates = 20
)

var usernameMarker = regexp.MustCompile(`<!-- onboarding:username=([a-z0-9_-]+) -->`)

// Config configures the gateway.
type Config struct {
	APIURL      string
	Owner       string
	Repo        string
	BaseBranch  string
	UsersDir    string
	Token       string
	MergeMethod string

	// RequestsPerSecond throttles API calls. Zero means 5.
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// userFile is the content committed for each provisioned user.
type userFile struct {
	Username  string    `toml:"username"`
	Email     string    `toml:"email"`
	RequestID string    `toml:"request_id"`
	CreatedAt time.Time `toml:"created_at"`
}

// Gateway implements capabilities.CodeReviewGateway.
type Gateway struct {
	gh      *gh.Client
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

func New(cfg Config, logger *slog.Logger) (*Gateway, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, errors.New("github: owner and repo are required")
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.UsersDir == "" {
		cfg.UsersDir = "users"
	}
	if cfg.MergeMethod == "" {
		cfg.MergeMethod = "squash"
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if cfg.Token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		tc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
		tc.Timeout = httpClient.Timeout
		httpClient = tc
	}

	client := gh.NewClient(httpClient)
	if cfg.APIURL != "" {
		base, err := url.Parse(strings.TrimSuffix(cfg.APIURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("github: invalid api_url: %w", err)
		}
		client.BaseURL = base
	}

	return &Gateway{
		gh:      client,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1),
		logger:  logutil.NoopIfNil(logger),
		now:     time.Now,
	}, nil
}

func branchFor(requestID string) string { return "onboarding/" + requestID }

func (g *Gateway) userPath(username string) string {
	return path.Join(g.cfg.UsersDir, username+".toml")
}

func (g *Gateway) wait(ctx context.Context) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// CreateCertPR opens the pull request that adds the user file. Repeat calls
// for the same request id reuse the branch, the file and the open PR.
func (g *Gateway) CreateCertPR(ctx context.Context, requestID, email, username string) (*capabilities.PullRequest, error) {
	branch := branchFor(requestID)

	if pr, err := g.findOpenPR(ctx, branch); err != nil {
		return nil, err
	} else if pr != nil {
		return toPullRequest(pr), nil
	}

	chosen, err := g.pickUsername(ctx, username, email)
	if err != nil {
		return nil, err
	}
	if err := g.ensureBranch(ctx, branch); err != nil {
		return nil, err
	}
	if err := g.ensureUserFile(ctx, branch, userFile{
		Username:  chosen,
		Email:     email,
		RequestID: requestID,
		CreatedAt: g.now().UTC().Truncate(time.Second),
	}); err != nil {
		return nil, err
	}

	pr, err := g.openPR(ctx, branch,
		fmt.Sprintf("Onboard %s", chosen),
		fmt.Sprintf("Adds `%s` for %s.\n\n<!-- onboarding:username=%s -->\n", g.userPath(chosen), email, chosen))
	if err != nil {
		return nil, err
	}
	g.logger.Info("config pull request opened", "pr", pr.GetNumber(), "username", chosen, "request_id", requestID)
	return toPullRequest(pr), nil
}

func toPullRequest(pr *gh.PullRequest) *capabilities.PullRequest {
	out := &capabilities.PullRequest{URL: pr.GetHTMLURL(), Number: pr.GetNumber()}
	if m := usernameMarker.FindStringSubmatch(pr.GetBody()); m != nil {
		out.DerivedUsername = m[1]
	}
	return out
}

func (g *Gateway) findOpenPR(ctx context.Context, branch string) (*gh.PullRequest, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	prs, _, err := g.gh.PullRequests.List(ctx, g.cfg.Owner, g.cfg.Repo, &gh.PullRequestListOptions{
		State: "open",
		Head:  g.cfg.Owner + ":" + branch,
		Base:  g.cfg.BaseBranch,
	})
	if err != nil {
		return nil, wrapError("list pull requests", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return prs[0], nil
}

// pickUsername returns the first candidate whose user file is free on the
// base branch or already belongs to email.
func (g *Gateway) pickUsername(ctx context.Context, username, email string) (string, error) {
	if username == "" {
		username = invites.DeriveUsername(email)
	}
	for i := 1; i <= maxCandidates; i++ {
		candidate := username
		if i > 1 {
			candidate = username + strconv.Itoa(i)
		}
		existing, _, err := g.readUserFile(ctx, g.userPath(candidate), g.cfg.BaseBranch)
		if err != nil {
			return "", err
		}
		if existing == nil || strings.EqualFold(existing.Email, email) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: no free username for %s after %d candidates", invites.ErrPermanentFailure, username, maxCandidates)
}

// readUserFile returns nil when the file does not exist on ref.
func (g *Gateway) readUserFile(ctx context.Context, filePath, ref string) (*userFile, string, error) {
	if err := g.wait(ctx); err != nil {
		return nil, "", err
	}
	content, _, _, err := g.gh.Repositories.GetContents(ctx, g.cfg.Owner, g.cfg.Repo, filePath,
		&gh.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, "", nil
		}
		return nil, "", wrapError("get contents", err)
	}
	if content == nil {
		return nil, "", fmt.Errorf("%w: %s is a directory", invites.ErrPermanentFailure, filePath)
	}
	raw, err := content.GetContent()
	if err != nil {
		return nil, "", fmt.Errorf("decode %s: %w", filePath, err)
	}
	var uf userFile
	if _, err := toml.Decode(raw, &uf); err != nil {
		g.logger.Warn("unparseable user file", "path", filePath, "error", err)
	}
	return &uf, content.GetSHA(), nil
}

func (g *Gateway) ensureBranch(ctx context.Context, branch string) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	base, _, err := g.gh.Git.GetRef(ctx, g.cfg.Owner, g.cfg.Repo, "heads/"+g.cfg.BaseBranch)
	if err != nil {
		return wrapError("get base ref", err)
	}

	if err := g.wait(ctx); err != nil {
		return err
	}
	_, _, err = g.gh.Git.CreateRef(ctx, g.cfg.Owner, g.cfg.Repo, gh.CreateRef{
		Ref: "refs/heads/" + branch,
		SHA: base.GetObject().GetSHA(),
	})
	if err != nil && statusOf(err) != http.StatusUnprocessableEntity {
		return wrapError("create branch", err)
	}
	return nil
}

func (g *Gateway) ensureUserFile(ctx context.Context, branch string, uf userFile) error {
	filePath := g.userPath(uf.Username)
	existing, _, err := g.readUserFile(ctx, filePath, branch)
	if err != nil {
		return err
	}
	if existing != nil && strings.EqualFold(existing.Email, uf.Email) {
		return nil
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(uf); err != nil {
		return fmt.Errorf("encode user file: %w", err)
	}
	if err := g.wait(ctx); err != nil {
		return err
	}
	_, _, err = g.gh.Repositories.CreateFile(ctx, g.cfg.Owner, g.cfg.Repo, filePath, &gh.RepositoryContentFileOptions{
		Message: gh.Ptr(fmt.Sprintf("Add %s", uf.Username)),
		Content: buf.Bytes(),
		Branch:  gh.Ptr(branch),
	})
	if err != nil {
		return wrapError("create user file", err)
	}
	return nil
}

func (g *Gateway) openPR(ctx context.Context, branch, title, body string) (*gh.PullRequest, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	pr, _, err := g.gh.PullRequests.Create(ctx, g.cfg.Owner, g.cfg.Repo, &gh.NewPullRequest{
		Title: gh.Ptr(title),
		Head:  gh.Ptr(branch),
		Base:  gh.Ptr(g.cfg.BaseBranch),
		Body:  gh.Ptr(body),
	})
	if err == nil {
		return pr, nil
	}
	if statusOf(err) == http.StatusUnprocessableEntity {
		// Lost a race with a concurrent create.
		if existing, ferr := g.findOpenPR(ctx, branch); ferr == nil && existing != nil {
			return existing, nil
		}
	}
	return nil, wrapError("create pull request", err)
}

func (g *Gateway) CheckMerged(ctx context.Context, number int) (bool, error) {
	if err := g.wait(ctx); err != nil {
		return false, err
	}
	merged, _, err := g.gh.PullRequests.IsMerged(ctx, g.cfg.Owner, g.cfg.Repo, number)
	if err != nil {
		return false, wrapError("check merged", err)
	}
	return merged, nil
}

// Merge merges the pull request. Blocked merges (failing checks, required
// reviews, conflicts) return capabilities.ErrNotMergeable.
func (g *Gateway) Merge(ctx context.Context, number int) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	res, _, err := g.gh.PullRequests.Merge(ctx, g.cfg.Owner, g.cfg.Repo, number, "",
		&gh.PullRequestOptions{MergeMethod: g.cfg.MergeMethod})
	if err != nil {
		switch statusOf(err) {
		case http.StatusMethodNotAllowed, http.StatusConflict:
			return fmt.Errorf("%w: #%d: %v", capabilities.ErrNotMergeable, number, err)
		}
		return wrapError("merge", err)
	}
	if !res.GetMerged() {
		return fmt.Errorf("%w: #%d: %s", capabilities.ErrNotMergeable, number, res.GetMessage())
	}
	g.logger.Info("pull request merged", "pr", number, "sha", res.GetSHA())
	return nil
}

func (g *Gateway) Close(ctx context.Context, number int) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	_, _, err := g.gh.PullRequests.Edit(ctx, g.cfg.Owner, g.cfg.Repo, number, &gh.PullRequest{State: gh.Ptr("closed")})
	if err != nil {
		return wrapError("close pull request", err)
	}
	return nil
}

// DeleteBranch removes the invite branch. A missing branch is not an error.
func (g *Gateway) DeleteBranch(ctx context.Context, requestID string) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	_, err := g.gh.Git.DeleteRef(ctx, g.cfg.Owner, g.cfg.Repo, "heads/"+branchFor(requestID))
	if err != nil {
		switch statusOf(err) {
		case http.StatusNotFound, http.StatusUnprocessableEntity:
			return nil
		}
		return wrapError("delete branch", err)
	}
	return nil
}

// RevertFile opens a pull request that deletes the user file.
func (g *Gateway) RevertFile(ctx context.Context, username, email string) (*capabilities.PullRequest, error) {
	filePath := g.userPath(username)
	existing, sha, err := g.readUserFile(ctx, filePath, g.cfg.BaseBranch)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("%w: %s does not exist on %s", invites.ErrPermanentFailure, filePath, g.cfg.BaseBranch)
	}

	branch := fmt.Sprintf("offboarding/%s-%d", username, g.now().Unix())
	if err := g.ensureBranch(ctx, branch); err != nil {
		return nil, err
	}

	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	_, _, err = g.gh.Repositories.DeleteFile(ctx, g.cfg.Owner, g.cfg.Repo, filePath, &gh.RepositoryContentFileOptions{
		Message: gh.Ptr(fmt.Sprintf("Remove %s", username)),
		SHA:     gh.Ptr(sha),
		Branch:  gh.Ptr(branch),
	})
	if err != nil {
		return nil, wrapError("delete user file", err)
	}

	pr, err := g.openPR(ctx, branch,
		fmt.Sprintf("Offboard %s", username),
		fmt.Sprintf("Removes `%s` (%s).\n\n<!-- onboarding:username=%s -->\n", filePath, email, username))
	if err != nil {
		return nil, err
	}
	g.logger.Info("revert pull request opened", "pr", pr.GetNumber(), "username", username)
	return toPullRequest(pr), nil
}

func statusOf(err error) int {
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return ghErr.Response.StatusCode
	}
	return 0
}

// wrapError classifies API failures: rate limits and server errors are
// transient, other client errors are permanent.
func wrapError(op string, err error) error {
	var rle *gh.RateLimitError
	var arle *gh.AbuseRateLimitError
	if errors.As(err, &rle) || errors.As(err, &arle) {
		return capabilities.Transient("github "+op, err)
	}
	status := statusOf(err)
	switch {
	case status >= 500 || status == 0:
		return capabilities.Transient("github "+op, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden ||
		status == http.StatusNotFound || status == http.StatusUnprocessableEntity:
		return fmt.Errorf("github %s: %w: %v", op, invites.ErrPermanentFailure, err)
	}
	return fmt.Errorf("github %s: %w", op, err)
}

var _ capabilities.CodeReviewGateway = (*Gateway)(nil)
