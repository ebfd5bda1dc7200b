package scanner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPagePagination(t *testing.T) {
	var gotQueries []map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		gotQueries = append(gotQueries, map[string]string{
			"toAddresses": q.Get("toAddresses"),
			"next":        q.Get("next"),
			"limit":       q.Get("limit"),
			"sort":        q.Get("sort"),
		})
		if q.Get("next") == "" {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"items": []map[string]interface{}{
					{"txHash": "0xaaa", "blockNumber": 100},
					{"txHash": "0xbbb", "blockNumber": 101},
				},
				"count": 3,
				"link":  map[string]string{"nextToken": "tok-1"},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"items": []map[string]interface{}{
				{"txHash": "0xccc", "blockNumber": 102},
			},
			"count": 3,
			"link":  map[string]string{},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 57073)

	page, err := c.Page(context.Background(), "0xdeadbeef", "")
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].TxHash != "0xaaa" {
		t.Fatalf("unexpected first page: %+v", page)
	}
	if page.Link.NextToken != "tok-1" {
		t.Fatalf("expected nextToken tok-1, got %q", page.Link.NextToken)
	}

	page, err = c.Page(context.Background(), "0xdeadbeef", page.Link.NextToken)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(page.Items) != 1 || page.Link.NextToken != "" {
		t.Fatalf("unexpected second page: %+v", page)
	}

	if gotQueries[0]["toAddresses"] != "0xdeadbeef" || gotQueries[0]["limit"] != "100" || gotQueries[0]["sort"] != "asc" {
		t.Errorf("unexpected query params: %v", gotQueries[0])
	}
	if gotQueries[1]["next"] != "tok-1" {
		t.Errorf("second request should carry next=tok-1, got %v", gotQueries[1])
	}
}

func TestPageErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 57073)
	if _, err := c.Page(context.Background(), "0xdead", ""); err == nil {
		t.Fatal("expected error on 500")
	}
}
