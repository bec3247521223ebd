// Package main implements the answerctl CLI for manual operations against the
// answerd HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	// serverURL is the base URL for the answerd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "answerctl",
	Short: "CLI for answerd HTTP server operations",
	Long: `answerctl is a command-line interface for interacting with the answerd
HTTP server. It provides commands for chatting, loading knowledge-base
documents and checking server health.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8484", "answerd server URL")
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(healthCmd)
}

// chatCmd sends a single query through the pipeline
var chatCmd = &cobra.Command{
	Use:   "chat <query>",
	Short: "Ask the knowledge base a question",
	Long: `Send a query through the answering pipeline and print the response.

Examples:
  # Ask a question
  answerctl chat "cuanto cuesta una web basica"

  # Use a different server
  answerctl chat --server http://localhost:9090 "que servicios ofreceis"`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

// ingestCmd loads documents from a YAML file
var ingestCmd = &cobra.Command{
	Use:   "ingest <file.yaml>",
	Short: "Load knowledge-base documents from a YAML file",
	Long: `Load documents from a YAML file into the knowledge base. Each entry becomes
one document; embeddings are computed server-side on write.

File format:
  documents:
    - content: "Una web basica cuesta desde 900 euros."
      source: "pricing"
      metadata:
        section: "web"
    - content: "Trabajamos con restaurantes y clinicas."
      source: "services"

Examples:
  # Load a document file
  answerctl ingest kb.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check answerd server health",
	Long: `Check the health status of the answerd HTTP server.

Examples:
  # Check health
  answerctl health`,
	RunE: runHealth,
}

// ChatRequest matches internal/httpapi/server.go ChatRequest
type ChatRequest struct {
	Query string `json:"query"`
}

// ChatResponse matches internal/httpapi/server.go ChatResponse
type ChatResponse struct {
	Response      string `json:"response"`
	NoInformation bool   `json:"no_information"`
	Documents     []struct {
		ID     string  `json:"id"`
		Source string  `json:"source"`
		Score  float64 `json:"score"`
	} `json:"documents"`
}

// HealthResponse matches internal/httpapi/server.go HealthResponse
type HealthResponse struct {
	Status    string `json:"status"`
	Documents int    `json:"documents"`
}

// ingestFile is the YAML schema accepted by the ingest command.
type ingestFile struct {
	Documents []ingestDocument `yaml:"documents"`
}

type ingestDocument struct {
	Content  string            `yaml:"content"`
	Source   string            `yaml:"source"`
	Metadata map[string]string `yaml:"metadata"`
	IsPublic *bool             `yaml:"is_public"`
}

// documentRequest matches internal/httpapi/server.go DocumentRequest
type documentRequest struct {
	Content  string            `json:"content"`
	Source   string            `json:"source,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	IsPublic *bool             `json:"is_public,omitempty"`
}

// runChat handles the chat command
func runChat(cmd *cobra.Command, args []string) error {
	reqJSON, err := json.Marshal(ChatRequest{Query: args[0]})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/chat", serverURL)
	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(reqJSON))
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Println(chatResp.Response)
	for _, doc := range chatResp.Documents {
		fmt.Fprintf(os.Stderr, "[answerctl] source=%s score=%.2f\n", doc.Source, doc.Score)
	}
	return nil
}

// runIngest handles the ingest command
func runIngest(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read file %s: %w", args[0], err)
	}

	var file ingestFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse %s: %w", args[0], err)
	}
	if len(file.Documents) == 0 {
		return fmt.Errorf("no documents found in %s", args[0])
	}

	url := fmt.Sprintf("%s/api/v1/documents", serverURL)
	client := &http.Client{Timeout: 60 * time.Second}

	loaded := 0
	for i, doc := range file.Documents {
		reqJSON, err := json.Marshal(documentRequest{
			Content:  doc.Content,
			Source:   doc.Source,
			Metadata: doc.Metadata,
			IsPublic: doc.IsPublic,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal document %d: %w", i, err)
		}

		resp, err := client.Post(url, "application/json", bytes.NewReader(reqJSON))
		if err != nil {
			return fmt.Errorf("failed to send document %d to %s: %w", i, url, err)
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("document %d: failed to read response body: %w", i, readErr)
		}
		if resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("document %d: server returned status %d: %s", i, resp.StatusCode, string(body))
		}
		loaded++
	}

	fmt.Fprintf(os.Stderr, "[answerctl] Loaded %d document(s)\n", loaded)
	return nil
}

// runHealth handles the health command
func runHealth(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/health", serverURL)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", url, err)
	}
	defer resp.Body.Close()

	var healthResp HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&healthResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Status:    %s\n", healthResp.Status)
	fmt.Printf("Documents: %d\n", healthResp.Documents)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy (status %d)", resp.StatusCode)
	}
	return nil
}
