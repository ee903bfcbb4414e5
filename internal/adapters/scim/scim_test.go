package scim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/MahdiBaghbani/onboarding-go/internal/components/capabilities"
)

// fakeSCIM is a minimal SCIM server with paging.
type fakeSCIM struct {
	mu        sync.Mutex
	users     map[string]*user // by resource id
	passwords map[string]string
	groups    []group
	members   map[string][]string
	next      int
	status    int
}

func newFakeSCIM(groupCount int) *fakeSCIM {
	f := &fakeSCIM{
		users:     make(map[string]*user),
		passwords: make(map[string]string),
		members:   make(map[string][]string),
	}
	for i := 1; i <= groupCount; i++ {
		f.groups = append(f.groups, group{ID: fmt.Sprintf("g%d", i), DisplayName: fmt.Sprintf("Group %d", i)})
	}
	return f
}

func reply(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func scimError(w http.ResponseWriter, status int, detail string) {
	reply(w, status, apiError{Detail: detail, Status: strconv.Itoa(status)})
}

func page[T any](r *http.Request, all []T) listResponse[T] {
	start, _ := strconv.Atoi(r.URL.Query().Get("startIndex"))
	count, _ := strconv.Atoi(r.URL.Query().Get("count"))
	if start < 1 {
		start = 1
	}
	if count <= 0 {
		count = len(all)
	}
	lo := min(start-1, len(all))
	hi := min(lo+count, len(all))
	return listResponse[T]{TotalResults: len(all), StartIndex: start, ItemsPerPage: hi - lo, Resources: all[lo:hi]}
}

func (f *fakeSCIM) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /Users", func(w http.ResponseWriter, r *http.Request) {
		var u user
		json.NewDecoder(r.Body).Decode(&u)
		for _, existing := range f.users {
			if existing.UserName == u.UserName {
				scimError(w, 409, "userName is already taken")
				return
			}
		}
		f.next++
		u.ID = fmt.Sprintf("u-%d", f.next)
		f.users[u.ID] = &u
		reply(w, 201, u)
	})
	mux.HandleFunc("GET /Users", func(w http.ResponseWriter, r *http.Request) {
		var all []user
		if filter := r.URL.Query().Get("filter"); filter != "" {
			want := strings.Trim(strings.TrimPrefix(filter, "userName eq "), `"`)
			for _, u := range f.users {
				if u.UserName == want {
					all = append(all, *u)
				}
			}
		} else {
			for i := 1; i <= f.next; i++ {
				if u, ok := f.users[fmt.Sprintf("u-%d", i)]; ok {
					all = append(all, *u)
				}
			}
		}
		reply(w, 200, page(r, all))
	})
	mux.HandleFunc("PATCH /Users/{id}", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := f.users[r.PathValue("id")]; !ok {
			scimError(w, 404, "no such user")
			return
		}
		var p patchRequest
		json.NewDecoder(r.Body).Decode(&p)
		for _, op := range p.Operations {
			if op.Path == "password" {
				f.passwords[r.PathValue("id")], _ = op.Value.(string)
			}
		}
		reply(w, 204, nil)
	})
	mux.HandleFunc("DELETE /Users/{id}", func(w http.ResponseWriter, r *http.Request) {
		delete(f.users, r.PathValue("id"))
		w.WriteHeader(204)
	})
	mux.HandleFunc("GET /Groups", func(w http.ResponseWriter, r *http.Request) {
		reply(w, 200, page(r, f.groups))
	})
	mux.HandleFunc("PATCH /Groups/{id}", func(w http.ResponseWriter, r *http.Request) {
		var p struct {
			Operations []struct {
				Op    string
				Path  string
				Value []memberRef
			}
		}
		json.NewDecoder(r.Body).Decode(&p)
		for _, op := range p.Operations {
			for _, m := range op.Value {
				f.members[r.PathValue("id")] = append(f.members[r.PathValue("id")], m.Value)
			}
		}
		reply(w, 204, nil)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer secret" {
			scimError(w, 401, "unauthorized")
			return
		}
		if f.status != 0 {
			scimError(w, f.status, "injected")
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (f *fakeSCIM) fail(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func (f *fakeSCIM) snapshot(id string) (pw string, members []string, exists bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.UserName == id {
			exists = true
			pw = f.passwords[u.ID]
			for _, ids := range f.members {
				for _, m := range ids {
					if m == u.ID {
						members = append(members, m)
					}
				}
			}
		}
	}
	return pw, members, exists
}

func newDirectory(t *testing.T, f *fakeSCIM) *Directory {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	d, err := New(Config{BaseURL: srv.URL + "/", Token: "secret"}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestProvisioningFlow(t *testing.T) {
	f := newFakeSCIM(2)
	d := newDirectory(t, f)
	ctx := context.Background()

	if err := d.CreateUser(ctx, "alice", "alice@example.org", "Alice Smith", "Alice", "Smith"); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if err := d.SetPassword(ctx, "alice", "Correct-Horse-42"); err != nil {
		t.Fatalf("SetPassword failed: %v", err)
	}
	if err := d.AddToGroup(ctx, "alice", "g2"); err != nil {
		t.Fatalf("AddToGroup failed: %v", err)
	}

	pw, members, exists := f.snapshot("alice")
	if !exists || pw != "Correct-Horse-42" || len(members) != 1 {
		t.Errorf("unexpected server state: exists=%v pw=%q members=%v", exists, pw, members)
	}

	users, err := d.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers failed: %v", err)
	}
	if len(users) != 1 || users[0] != (capabilities.User{ID: "alice", Email: "alice@example.org", DisplayName: "Alice Smith"}) {
		t.Errorf("unexpected users %+v", users)
	}

	if err := d.DeleteUser(ctx, "alice"); err != nil {
		t.Fatalf("DeleteUser failed: %v", err)
	}
	if _, _, exists := f.snapshot("alice"); exists {
		t.Error("expected user deleted")
	}
	if err := d.DeleteUser(ctx, "alice"); err != nil {
		t.Errorf("deleting a missing user must succeed, got %v", err)
	}
}

func TestCreateUser_Conflict(t *testing.T) {
	d := newDirectory(t, newFakeSCIM(0))
	ctx := context.Background()
	if err := d.CreateUser(ctx, "bob", "bob@example.org", "Bob", "", ""); err != nil {
		t.Fatal(err)
	}
	err := d.CreateUser(ctx, "bob", "other@example.org", "Bob", "", "")
	if err == nil || !strings.Contains(err.Error(), "already taken") {
		t.Errorf("expected conflict error with detail, got %v", err)
	}
	if capabilities.IsTransient(err) {
		t.Error("a conflict is not transient")
	}
}

func TestSetPassword_UnknownUser(t *testing.T) {
	d := newDirectory(t, newFakeSCIM(0))
	if err := d.SetPassword(context.Background(), "ghost", "x"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestListGroups_Pages(t *testing.T) {
	d := newDirectory(t, newFakeSCIM(pageSize+5))
	groups, err := d.ListGroups(context.Background())
	if err != nil {
		t.Fatalf("ListGroups failed: %v", err)
	}
	if len(groups) != pageSize+5 {
		t.Fatalf("expected %d groups, got %d", pageSize+5, len(groups))
	}
	if groups[0] != (capabilities.Group{ID: "g1", Name: "Group 1"}) {
		t.Errorf("unexpected first group %+v", groups[0])
	}
}

func TestServerErrorsAreTransient(t *testing.T) {
	f := newFakeSCIM(1)
	d := newDirectory(t, f)
	f.fail(503)
	if _, err := d.ListGroups(context.Background()); !capabilities.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Error("expected error")
	}
}
