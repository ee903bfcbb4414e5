// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

// Package capabilitiestest provides recording fakes with failure injection.
package capabilitiestest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/MahdiBaghbani/onboarding-go/internal/components/capabilities"
)

// Call is one recorded method invocation.
type Call struct {
	Method string
	Args   []any
}

// Recorder records calls and returns injected failures.
type Recorder struct {
	mu       sync.Mutex
	calls    []Call
	failures map[string][]error
	always   map[string]error
}

func (r *Recorder) record(method string, args ...any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: method, Args: args})
	if q := r.failures[method]; len(q) > 0 {
		r.failures[method] = q[1:]
		return q[0]
	}
	return r.always[method]
}

// FailNext queues errors returned by the next calls to method, in order.
func (r *Recorder) FailNext(method string, errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures == nil {
		r.failures = make(map[string][]error)
	}
	r.failures[method] = append(r.failures[method], errs...)
}

// FailAlways makes every call to method return err. A nil err clears it.
func (r *Recorder) FailAlways(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.always == nil {
		r.always = make(map[string]error)
	}
	if err == nil {
		delete(r.always, method)
		return
	}
	r.always[method] = err
}

// Calls returns the method names in call order.
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.Method
	}
	return out
}

// CallsTo returns the argument lists of every call to method.
func (r *Recorder) CallsTo(method string) [][]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][]any
	for _, c := range r.calls {
		if c.Method == method {
			out = append(out, c.Args)
		}
	}
	return out
}

// Count returns how many times method was called.
func (r *Recorder) Count(method string) int {
	return len(r.CallsTo(method))
}

// Reset forgets recorded calls; injected failures are kept.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// Issuer is a fake CertIssuer returning deterministic bundles.
type Issuer struct {
	Recorder
	mu        sync.Mutex
	processed map[string]bool
}

func NewIssuer() *Issuer {
	return &Issuer{processed: make(map[string]bool)}
}

func (f *Issuer) Issue(ctx context.Context, identity, requestID string) (*capabilities.CertBundle, error) {
	if err := f.record("Issue", identity, requestID); err != nil {
		return nil, err
	}
	return &capabilities.CertBundle{
		Bundle:   []byte("bundle-" + requestID),
		Password: "pw-" + requestID,
	}, nil
}

// SetProcessed controls CheckProcessed for username.
func (f *Issuer) SetProcessed(username string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[username] = ok
}

func (f *Issuer) CheckProcessed(ctx context.Context, username string) (bool, error) {
	if err := f.record("CheckProcessed", username); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed[username], nil
}

func (f *Issuer) DeleteSecret(ctx context.Context, requestID string) error {
	return f.record("DeleteSecret", requestID)
}

func (f *Issuer) DeleteByUsername(ctx context.Context, username string) error {
	return f.record("DeleteByUsername", username)
}

// Gateway is a fake CodeReviewGateway.
type Gateway struct {
	Recorder
	mu      sync.Mutex
	next    int
	byReq   map[string]*capabilities.PullRequest
	merged  map[int]bool
	closed  map[int]bool
	blocked map[int]bool
}

func NewGateway() *Gateway {
	return &Gateway{
		next:    100,
		byReq:   make(map[string]*capabilities.PullRequest),
		merged:  make(map[int]bool),
		closed:  make(map[int]bool),
		blocked: make(map[int]bool),
	}
}

func (f *Gateway) CreateCertPR(ctx context.Context, requestID, email, username string) (*capabilities.PullRequest, error) {
	if err := f.record("CreateCertPR", requestID, email, username); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if pr, ok := f.byReq[requestID]; ok {
		c := *pr
		return &c, nil
	}
	pr := f.newPR(username)
	f.byReq[requestID] = pr
	c := *pr
	return &c, nil
}

func (f *Gateway) newPR(username string) *capabilities.PullRequest {
	f.next++
	return &capabilities.PullRequest{
		URL:             fmt.Sprintf("https://github.example/pulls/%d", f.next),
		Number:          f.next,
		DerivedUsername: username,
	}
}

// SetMerged marks a PR as merged outside the gateway (a human merged it).
func (f *Gateway) SetMerged(number int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged[number] = true
}

// Block makes Merge return ErrNotMergeable for number.
func (f *Gateway) Block(number int, blocked bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked[number] = blocked
}

func (f *Gateway) IsClosed(number int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[number]
}

func (f *Gateway) CheckMerged(ctx context.Context, number int) (bool, error) {
	if err := f.record("CheckMerged", number); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.merged[number], nil
}

func (f *Gateway) Merge(ctx context.Context, number int) error {
	if err := f.record("Merge", number); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blocked[number] {
		return capabilities.ErrNotMergeable
	}
	f.merged[number] = true
	return nil
}

func (f *Gateway) Close(ctx context.Context, number int) error {
	if err := f.record("Close", number); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[number] = true
	return nil
}

func (f *Gateway) DeleteBranch(ctx context.Context, requestID string) error {
	return f.record("DeleteBranch", requestID)
}

func (f *Gateway) RevertFile(ctx context.Context, username, email string) (*capabilities.PullRequest, error) {
	if err := f.record("RevertFile", username, email); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pr := f.newPR(username)
	return pr, nil
}

// Directory is a fake DirectoryService.
type Directory struct {
	Recorder
	mu      sync.Mutex
	users   map[string]capabilities.User
	groups  []capabilities.Group
	members map[string][]string // group id -> user ids
	secrets map[string]string
}

func NewDirectory(groups ...capabilities.Group) *Directory {
	return &Directory{
		users:   make(map[string]capabilities.User),
		groups:  groups,
		members: make(map[string][]string),
		secrets: make(map[string]string),
	}
}

// AddUser seeds an existing account.
func (f *Directory) AddUser(u capabilities.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
}

// HasUser reports whether id exists.
func (f *Directory) HasUser(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.users[id]
	return ok
}

// Members lists the user ids in a group.
func (f *Directory) Members(groupID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.members[groupID]...)
}

func (f *Directory) CreateUser(ctx context.Context, id, email, displayName, firstName, lastName string) error {
	if err := f.record("CreateUser", id, email, displayName, firstName, lastName); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[id]; ok {
		return fmt.Errorf("user %s already exists", id)
	}
	f.users[id] = capabilities.User{ID: id, Email: email, DisplayName: displayName}
	return nil
}

func (f *Directory) SetPassword(ctx context.Context, userID, password string) error {
	if err := f.record("SetPassword", userID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secrets[userID] = password
	return nil
}

func (f *Directory) AddToGroup(ctx context.Context, userID, groupID string) error {
	if err := f.record("AddToGroup", userID, groupID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[groupID] = append(f.members[groupID], userID)
	return nil
}

func (f *Directory) DeleteUser(ctx context.Context, userID string) error {
	if err := f.record("DeleteUser", userID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, userID)
	return nil
}

func (f *Directory) ListUsers(ctx context.Context) ([]capabilities.User, error) {
	if err := f.record("ListUsers"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]capabilities.User, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Directory) ListGroups(ctx context.Context) ([]capabilities.Group, error) {
	if err := f.record("ListGroups"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]capabilities.Group(nil), f.groups...), nil
}

// Notifier is a fake Notifier that keeps sent messages.
type Notifier struct {
	Recorder
	mu       sync.Mutex
	invites  []capabilities.InviteEmail
	renewals []string
}

func NewNotifier() *Notifier { return &Notifier{} }

func (f *Notifier) SendInviteEmail(ctx context.Context, msg capabilities.InviteEmail) error {
	if err := f.record("SendInviteEmail", msg.Email); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invites = append(f.invites, msg)
	return nil
}

func (f *Notifier) SendCertRenewalEmail(ctx context.Context, email string, bundle *capabilities.CertBundle, locale string) error {
	if err := f.record("SendCertRenewalEmail", email, locale); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewals = append(f.renewals, email)
	return nil
}

// Invites returns the delivered invite emails.
func (f *Notifier) Invites() []capabilities.InviteEmail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]capabilities.InviteEmail(nil), f.invites...)
}

// Renewals returns the recipients of renewal emails.
func (f *Notifier) Renewals() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.renewals...)
}

// Sink is a fake EventSink that records events.
type Sink struct {
	mu     sync.Mutex
	events []capabilities.Event
}

func (s *Sink) Emit(ctx context.Context, ev capabilities.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns recorded events.
func (s *Sink) Events() []capabilities.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capabilities.Event(nil), s.events...)
}

var (
	_ capabilities.CertIssuer        = (*Issuer)(nil)
	_ capabilities.CodeReviewGateway = (*Gateway)(nil)
	_ capabilities.DirectoryService  = (*Directory)(nil)
	_ capabilities.Notifier          = (*Notifier)(nil)
	_ capabilities.EventSink         = (*Sink)(nil)
)
