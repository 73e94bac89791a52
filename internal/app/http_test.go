package app

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"suggestions/engine/internal/collab"
	"suggestions/engine/internal/config"
	"suggestions/engine/internal/gitrepo"
	"suggestions/engine/internal/registry"
	"suggestions/engine/internal/search"
	"suggestions/engine/internal/store"
	"suggestions/engine/internal/suggestion/local"
	"suggestions/engine/internal/suggestion/rtc"
)

type suggestionResponse struct {
	Suggestion SuggestionView `json:"suggestion"`
}

type cellsResponse struct {
	Cells []CellView `json:"cells"`
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func firstCell(t *testing.T, server *HTTPServer, token, path string) CellView {
	t.Helper()
	rr := do(server, http.MethodGet, notebookURL("/cells", path), token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("cells: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	cells := decode[cellsResponse](t, rr).Cells
	if len(cells) == 0 {
		t.Fatal("expected at least one cell")
	}
	return cells[0]
}

func TestSessionEndpoints(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	server := NewHTTPServer(svc, "*")

	rr := do(server, http.MethodPost, "/api/session", "", mustJSON(t, map[string]string{"apiKey": "wrong", "username": "ada"}))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a wrong API key, got %d", rr.Code)
	}

	token := login(t, server, "ada", "Ada Lovelace")
	rr = do(server, http.MethodGet, "/api/session", token, nil)
	session := decode[map[string]any](t, rr)
	if session["authenticated"] != true || session["username"] != "ada" || session["name"] != "Ada Lovelace" {
		t.Fatalf("unexpected session payload: %v", session)
	}

	rr = do(server, http.MethodDelete, "/api/session", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d", rr.Code)
	}
	rr = do(server, http.MethodGet, "/api/managers", token, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rr.Code)
	}
}

func TestRoutesRequireSession(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	server := NewHTTPServer(svc, "*")

	for _, token := range []string{"", "not-a-token"} {
		rr := do(server, http.MethodGet, notebookURL("/suggestions", "a.ipynb"), token, nil)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: expected 401, got %d", token, rr.Code)
		}
	}
}

func TestSuggestionLifecycleLocal(t *testing.T) {
	decisions := &fakeDecisions{}
	svc, _ := newTestService(t, Options{Decisions: decisions})
	server := NewHTTPServer(svc, "*")
	token := login(t, server, "ada", "Ada Lovelace")
	const path = "review.ipynb"

	cell := firstCell(t, server, token, path)
	rr := do(server, http.MethodPut, notebookURL("/active-cell", path), token, mustJSON(t, map[string]string{"cellId": cell.ID}))
	if rr.Code != http.StatusOK {
		t.Fatalf("set active cell: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = do(server, http.MethodPost, notebookURL("/suggestions", path), token, mustJSON(t, map[string]string{"kind": "change"}))
	if rr.Code != http.StatusCreated {
		t.Fatalf("add: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	added := decode[suggestionResponse](t, rr).Suggestion
	if added.CellID != cell.ID || added.Kind != "change" || added.Pending {
		t.Fatalf("unexpected suggestion: %+v", added)
	}
	if added.Author == nil || added.Author.Username != "ada" || added.Author.Initials != "AL" {
		t.Fatalf("expected the session user as author, got %+v", added.Author)
	}

	itemURL := notebookURL("/suggestions/"+cell.ID+"/"+added.ID, path)
	rr = do(server, http.MethodPut, itemURL, token, mustJSON(t, map[string]string{"source": "x = 2"}))
	if rr.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if updated := decode[suggestionResponse](t, rr).Suggestion; updated.Source != "x = 2" || updated.Original != "" {
		t.Fatalf("unexpected updated suggestion: %+v", updated)
	}

	rr = do(server, http.MethodGet, notebookURL("/suggestions", path), token, nil)
	listed := decode[struct {
		Suggestions []SuggestionView `json:"suggestions"`
	}](t, rr).Suggestions
	if len(listed) != 1 || listed[0].ID != added.ID || listed[0].Position != 0 {
		t.Fatalf("unexpected listing: %+v", listed)
	}

	rr = do(server, http.MethodPost, notebookURL("/suggestions/"+cell.ID+"/"+added.ID+"/accept", path), token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if accepted := decode[map[string]bool](t, rr)["accepted"]; !accepted {
		t.Fatal("expected accepted=true")
	}

	after := firstCell(t, server, token, path)
	if after.Source != "x = 2" || after.Suggestions != 0 || !after.Active {
		t.Fatalf("unexpected cell after accept: %+v", after)
	}
	rr = do(server, http.MethodGet, itemURL, token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for the accepted suggestion, got %d", rr.Code)
	}

	settle(t, svc, path)
	recorded := decisions.recorded()
	if len(recorded) != 1 {
		t.Fatalf("expected one decision, got %+v", recorded)
	}
	d := recorded[0]
	if d.Outcome != store.OutcomeAccepted || d.DecidedBy != "Ada Lovelace" || d.Manager != local.Name || d.Path != path {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestDiscardSuggestionRecordsDecision(t *testing.T) {
	decisions := &fakeDecisions{}
	svc, _ := newTestService(t, Options{Decisions: decisions})
	server := NewHTTPServer(svc, "*")
	token := login(t, server, "bob", "")
	const path = "nested/discard.ipynb"

	cell := firstCell(t, server, token, path)
	rr := do(server, http.MethodPost, notebookURL("/suggestions", path), token, mustJSON(t, map[string]string{"cellId": cell.ID, "kind": "delete"}))
	if rr.Code != http.StatusCreated {
		t.Fatalf("add: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	added := decode[suggestionResponse](t, rr).Suggestion

	itemURL := notebookURL("/suggestions/"+cell.ID+"/"+added.ID, path)
	rr = do(server, http.MethodPut, itemURL, token, mustJSON(t, map[string]string{"source": "nope"}))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 when editing a delete suggestion, got %d", rr.Code)
	}
	rr = do(server, http.MethodDelete, itemURL, token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	rr = do(server, http.MethodDelete, itemURL, token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second delete: expected 404, got %d", rr.Code)
	}

	settle(t, svc, path)
	recorded := decisions.recorded()
	if len(recorded) != 1 || recorded[0].Outcome != store.OutcomeDiscarded || recorded[0].DecidedBy != "bob" {
		t.Fatalf("unexpected decisions: %+v", recorded)
	}
	if cells := firstCell(t, server, token, path); cells.Suggestions != 0 {
		t.Fatalf("discarded suggestion still counted: %+v", cells)
	}
}

func TestAddSuggestionValidation(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	server := NewHTTPServer(svc, "*")
	token := login(t, server, "ada", "")
	const path = "validate.ipynb"

	cases := []struct {
		name   string
		target string
		body   map[string]string
		status int
		code   string
	}{
		{"missing path", "/api/notebook/suggestions", map[string]string{"kind": "change"}, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"unknown kind", notebookURL("/suggestions", path), map[string]string{"kind": "rewrite"}, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"no active cell", notebookURL("/suggestions", path), map[string]string{"kind": "change"}, http.StatusUnprocessableEntity, "NO_ACTIVE_CELL"},
		{"unknown cell", notebookURL("/suggestions", path), map[string]string{"kind": "change", "cellId": "missing"}, http.StatusNotFound, "CELL_NOT_FOUND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(server, http.MethodPost, tc.target, token, mustJSON(t, tc.body))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d body=%s", tc.status, rr.Code, rr.Body.String())
			}
			if code := decode[map[string]any](t, rr)["code"]; code != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, code)
			}
		})
	}

	rr := do(server, http.MethodPut, notebookURL("/suggestions/c/s", path), token, mustJSON(t, map[string]string{}))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a missing source, got %d", rr.Code)
	}
	rr = do(server, http.MethodPut, notebookURL("/active-cell", path), token, mustJSON(t, map[string]string{"cellId": "missing"}))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown active cell, got %d", rr.Code)
	}
}

func TestManagersSwitchToRTC(t *testing.T) {
	hub := collab.NewHub(collab.Options{Secret: []byte("hub-secret")})
	reg := registry.New()
	reg.Register(config.ManagerLocal, local.New())
	reg.Register(config.ManagerRTC, rtc.New(rtc.Options{Transport: hub, SyncTimeout: time.Second}))
	reg.SetManager(config.ManagerLocal)
	decisions := &fakeDecisions{}
	svc, _ := newTestService(t, Options{Registry: reg, Hub: hub, Decisions: decisions})
	server := NewHTTPServer(svc, "*")
	token := login(t, server, "ada", "Ada")
	const path = "shared.ipynb"

	cell := firstCell(t, server, token, path)

	rr := do(server, http.MethodGet, "/api/managers", token, nil)
	if view := decode[ManagersView](t, rr); len(view.Managers) != 2 || view.Active != config.ManagerLocal {
		t.Fatalf("unexpected managers: %+v", view)
	}
	rr = do(server, http.MethodPut, "/api/managers/active", token, mustJSON(t, map[string]string{"id": "nope"}))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown manager, got %d", rr.Code)
	}
	rr = do(server, http.MethodPut, "/api/managers/active", token, mustJSON(t, map[string]string{"id": config.ManagerRTC}))
	if view := decode[ManagersView](t, rr); view.Active != config.ManagerRTC {
		t.Fatalf("expected rtc to be active, got %+v", view)
	}
	settings, err := config.LoadSettings(svc.cfg.SettingsPath)
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if settings.SuggestionManager != config.ManagerRTC {
		t.Fatalf("expected the choice to be persisted, got %q", settings.SuggestionManager)
	}

	rr = do(server, http.MethodPost, notebookURL("/suggestions", path), token, mustJSON(t, map[string]string{"cellId": cell.ID, "kind": "change"}))
	if rr.Code != http.StatusCreated {
		t.Fatalf("add: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	added := decode[suggestionResponse](t, rr).Suggestion

	deadline := time.Now().Add(2 * time.Second)
	for {
		rr = do(server, http.MethodGet, notebookURL("/suggestions/"+cell.ID+"/"+added.ID, path), token, nil)
		if rr.Code == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("fork %s never became visible: %d %s", added.ID, rr.Code, rr.Body.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	itemURL := notebookURL("/suggestions/"+cell.ID+"/"+added.ID, path)
	rr = do(server, http.MethodPut, itemURL, token, mustJSON(t, map[string]string{"source": "y = 3"}))
	if got := decode[suggestionResponse](t, rr).Suggestion; got.Source != "y = 3" {
		t.Fatalf("expected the fork cell to be edited, got %+v", got)
	}
	if root := firstCell(t, server, token, path); root.Source != "" {
		t.Fatalf("root changed before accept: %+v", root)
	}

	rr = do(server, http.MethodPost, notebookURL("/suggestions/"+cell.ID+"/"+added.ID+"/accept", path), token, nil)
	if rr.Code != http.StatusOK || !decode[map[string]bool](t, rr)["accepted"] {
		t.Fatalf("accept: got %d body=%s", rr.Code, rr.Body.String())
	}
	if root := firstCell(t, server, token, path); root.Source != "y = 3" {
		t.Fatalf("expected the fork to be merged, got %+v", root)
	}

	settle(t, svc, path)
	recorded := decisions.recorded()
	if len(recorded) != 1 || recorded[0].Manager != rtc.Name || recorded[0].Outcome != store.OutcomeAccepted {
		t.Fatalf("unexpected decisions: %+v", recorded)
	}
}

func TestSearchEndpoint(t *testing.T) {
	var got search.Query
	searcher := &fakeSearcher{searchFn: func(q search.Query) search.Response {
		got = q
		return search.Response{Results: []search.Result{{Type: search.ResultDecision, ID: "s1", Path: "a.ipynb"}}, Total: 1, Query: q.Text}
	}}
	svc, _ := newTestService(t, Options{Search: searcher})
	server := NewHTTPServer(svc, "*")
	token := login(t, server, "ada", "")

	rr := do(server, http.MethodGet, "/api/search?q=plot&type=decision&path=a.ipynb&kind=change&limit=5&offset=10", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	want := search.Query{Text: "plot", FilterType: search.ResultDecision, FilterPath: "a.ipynb", FilterKind: "change", Limit: 5, Offset: 10}
	if got != want {
		t.Fatalf("unexpected query: %+v", got)
	}
	if resp := decode[search.Response](t, rr); resp.Total != 1 || resp.Results[0].ID != "s1" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	for _, target := range []string{"/api/search", "/api/search?q=x&type=thread"} {
		if rr := do(server, http.MethodGet, target, token, nil); rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("%s: expected 422, got %d", target, rr.Code)
		}
	}
}

func TestSearchWithoutBackend(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	server := NewHTTPServer(svc, "*")
	token := login(t, server, "ada", "")

	rr := do(server, http.MethodGet, "/api/search?q=plot", token, nil)
	if resp := decode[search.Response](t, rr); resp.Total != 0 || resp.Results == nil {
		t.Fatalf("expected an empty result list, got %+v", resp)
	}
}

func TestDecisionsEndpoint(t *testing.T) {
	var gotFilter store.DecisionFilter
	decisions := &fakeDecisions{
		listFn: func(_ context.Context, filter store.DecisionFilter) ([]store.Decision, error) {
			gotFilter = filter
			return []store.Decision{{ID: 7, Path: "a.ipynb", CellID: "c1", SuggestionID: "s1", Kind: "change", Outcome: store.OutcomeAccepted}}, nil
		},
		countFn: func(_ context.Context, path string) (map[string]int, error) {
			return map[string]int{store.OutcomeAccepted: 1}, nil
		},
	}
	svc, _ := newTestService(t, Options{Decisions: decisions})
	server := NewHTTPServer(svc, "*")
	token := login(t, server, "ada", "")

	rr := do(server, http.MethodGet, "/api/decisions?path=a.ipynb&outcome=accepted&limit=3", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if gotFilter.Path != "a.ipynb" || gotFilter.Outcome != store.OutcomeAccepted || gotFilter.Limit != 3 {
		t.Fatalf("unexpected filter: %+v", gotFilter)
	}
	view := decode[DecisionsView](t, rr)
	if len(view.Decisions) != 1 || view.Decisions[0].SuggestionID != "s1" || view.Counts[store.OutcomeAccepted] != 1 {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	git := gitrepo.New(t.TempDir())
	svc, _ := newTestService(t, Options{Notebooks: git.Notebooks("suggestions"), History: git})
	server := NewHTTPServer(svc, "*")
	token := login(t, server, "ada", "")
	const path = "tracked.ipynb"

	rr := do(server, http.MethodGet, notebookURL("/history", path), token, nil)
	if commits := decode[map[string][]gitrepo.CommitInfo](t, rr)["commits"]; rr.Code != http.StatusOK || len(commits) != 0 {
		t.Fatalf("expected no history before the first save, got %d %+v", rr.Code, commits)
	}

	cell := firstCell(t, server, token, path)
	rr = do(server, http.MethodPost, notebookURL("/suggestions", path), token, mustJSON(t, map[string]string{"cellId": cell.ID, "kind": "change"}))
	if rr.Code != http.StatusCreated {
		t.Fatalf("add: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = do(server, http.MethodGet, notebookURL("/history", path), token, nil)
	commits := decode[map[string][]gitrepo.CommitInfo](t, rr)["commits"]
	if len(commits) == 0 {
		t.Fatal("expected the saved suggestion to be committed")
	}
}

func TestHistoryUnavailableWithoutGit(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	server := NewHTTPServer(svc, "*")
	token := login(t, server, "ada", "")

	rr := do(server, http.MethodGet, notebookURL("/history", "a.ipynb"), token, nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
