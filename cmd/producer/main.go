// Command producer is a smoke test: it enqueues one sample program per
// built-in language and prints each result as it comes back.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dontdude/goxec-engine/internal/config"
	"github.com/dontdude/goxec-engine/internal/domain"
	"github.com/dontdude/goxec-engine/internal/logger"
	"github.com/dontdude/goxec-engine/internal/platform/queue"
)

const resultTimeout = 2 * time.Minute

type sample struct {
	language string
	code     string
}

var samples = []sample{
	{"python", `
import sys
print("Hello from Python!")
print(f"Python Version: {sys.version.split()[0]}")
`},
	{"nodejs", `
console.log("Hello from Node.js!");
console.log(` + "`Node.js Version: ${process.version}`" + `);
`},
	{"java", `
public class Circle {
    public static void main(String[] args) {
        System.out.println("Hello from Java!");
        System.out.println("Java Version: " + System.getProperty("java.version"));
    }
}
`},
	{"c", `
#include <stdio.h>

int main() {
    printf("Hello from C!\n");
    printf("Compiler: GCC %s\n", __VERSION__);
    return 0;
}
`},
	{"cpp", `
#include <iostream>

int main() {
    std::cout << "Hello from C++!" << std::endl;
    std::cout << "Compiler: G++ " << __VERSION__ << std::endl;
    return 0;
}
`},
}

func main() {
	if err := run(); err != nil {
		slog.Error("Producer failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config and logger
	cfg, err := config.New()
	if err != nil {
		return err
	}
	log, err := logger.NewFromConfig(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// 2. Connect to the broker (Producer Mode)
	b, err := queue.NewFromConfig(cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	// 3. Subscribe before publishing so no result is missed
	results, err := b.SubscribeResults(ctx)
	if err != nil {
		return err
	}

	// 4. Publish Jobs
	pending := make(map[string]string, len(samples))
	for _, s := range samples {
		id := fmt.Sprintf("smoke-%s-%s", s.language, uuid.NewString()[:8])
		job := domain.Job{
			ID:              id,
			Language:        s.language,
			Code:            s.code,
			ResponseChannel: b.ResponseChannel(id),
		}

		log.Info("Publishing job", "jobID", id, "language", s.language)
		if err := b.Publish(ctx, job); err != nil {
			return fmt.Errorf("failed to publish job %s: %w", id, err)
		}
		pending[id] = s.language
	}

	// 5. Wait for every result
	timeout := time.After(resultTimeout)
	for len(pending) > 0 {
		select {
		case msg, ok := <-results:
			if !ok {
				return fmt.Errorf("result subscription closed with %d jobs outstanding", len(pending))
			}
			language, mine := pending[msg.JobID]
			if !mine {
				continue
			}
			delete(pending, msg.JobID)
			printResult(language, msg.Result)
		case <-timeout:
			return fmt.Errorf("timed out waiting for %d results", len(pending))
		}
	}

	fmt.Println("All tests completed")
	return nil
}

func printResult(language string, result domain.ExecutionResult) {
	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Printf("--- Testing language: %s ---\n", strings.ToUpper(language))
	fmt.Println("Execution Result:")
	fmt.Println(string(out))
	fmt.Println("-------------------------------------")
	fmt.Println()
}
