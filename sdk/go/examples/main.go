package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"llmblast/sdk/go/llmblast"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/batches", func(w http.ResponseWriter, r *http.Request) {
		var req llmblast.BatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		responses := make([]string, len(req.Prompts))
		for i, p := range req.Prompts {
			responses[i] = strings.ToUpper(p)
		}
		_ = json.NewEncoder(w).Encode(llmblast.BatchResult{Provider: "openai", Model: "demo", Responses: responses})
	})
	mux.HandleFunc("POST /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(llmblast.Job{ID: "job-demo", Status: "pending", CreatedAt: time.Now().Unix()})
	})
	mux.HandleFunc("GET /api/v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(llmblast.Job{
			ID:        r.PathValue("id"),
			Status:    "succeeded",
			Responses: []string{"PARIS"},
			UpdatedAt: time.Now().Unix(),
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := llmblast.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := client.DispatchBatch(ctx, llmblast.BatchRequest{Prompts: []string{"hello", "world"}})
	if err != nil {
		panic(err)
	}
	fmt.Printf("batch answered by %s/%s: %v\n", result.Provider, result.Model, result.Responses)

	created, err := client.SubmitJob(ctx, llmblast.JobSubmission{Provider: "openai", Prompts: []string{"capital of France?"}})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted job %s (status=%s)\n", created.ID, created.Status)

	done, err := client.WaitJob(ctx, created.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("job %s finished: %v\n", done.ID, done.Responses)
}
