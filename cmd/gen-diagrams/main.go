// gen-diagrams renders a workflow definition as Mermaid and PNG diagrams.
// Run: go run ./cmd/gen-diagrams [workflow.json]
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sendloop/journey/internal/diagram"
	"github.com/sendloop/journey/pkg/schema"
)

func main() {
	path := filepath.Join("examples", "onboarding", "workflow.json")
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read workflow: %v\n", err)
		os.Exit(1)
	}
	var wf schema.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		fmt.Fprintf(os.Stderr, "parse workflow: %v\n", err)
		os.Exit(1)
	}

	// Sample outcomes so the rendered diagram shows an in-flight instance.
	outcomes := map[string]string{
		"entry":   schema.EventNodeEntered,
		"welcome": schema.EventActionDispatched,
		"ask":     schema.EventWaitStarted,
	}

	model := diagram.Build(&wf, outcomes)

	outDir := filepath.Join("docs", "assets")
	os.MkdirAll(outDir, 0o755)

	mermaid := diagram.RenderMermaid(model)
	os.WriteFile(filepath.Join(outDir, "workflow-mermaid.md"), []byte("```mermaid\n"+mermaid+"\n```\n"), 0o644)
	fmt.Println("=== Mermaid ===")
	fmt.Println(mermaid)

	png, imgErr := diagram.RenderImage(model)
	if imgErr != nil {
		fmt.Fprintf(os.Stderr, "image error: %v\n", imgErr)
	} else {
		pngPath := filepath.Join(outDir, "workflow-sample.png")
		os.WriteFile(pngPath, png, 0o644)
		fmt.Printf("=== Image (PNG) ===\nWritten: %s (%d bytes)\n", pngPath, len(png))
	}
}
