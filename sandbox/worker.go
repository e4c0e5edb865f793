package sandbox

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dop251/goja"
)

// WorkerMain is the entrypoint of the sandbox worker process. It reads one
// job from stdin, evaluates it, writes one result payload to stdout, and
// exits. The parent owns all timeout enforcement; the worker itself runs
// until done or killed.
func WorkerMain(stdin io.Reader, stdout io.Writer) error {
	var job Job
	if err := json.NewDecoder(stdin).Decode(&job); err != nil {
		return fmt.Errorf("decode job: %w", err)
	}
	payload := evaluate(job)
	if err := json.NewEncoder(stdout).Encode(payload); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}

// evaluate runs the script in a fresh interpreter with the minimal host API.
func evaluate(job Job) workerPayload {
	var console []string
	log := func(prefix string, values []goja.Value) {
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = v.String()
		}
		line := strings.Join(parts, " ")
		if line != "" {
			console = append(console, prefix+": "+line)
		} else {
			console = append(console, prefix)
		}
	}

	vm := goja.New()

	consoleObj := vm.NewObject()
	consoleObj.Set("log", func(call goja.FunctionCall) goja.Value {
		log("log", call.Arguments)
		return goja.Undefined()
	})
	consoleObj.Set("warn", func(call goja.FunctionCall) goja.Value {
		log("warn", call.Arguments)
		return goja.Undefined()
	})
	consoleObj.Set("error", func(call goja.FunctionCall) goja.Value {
		log("error", call.Arguments)
		return goja.Undefined()
	})
	vm.Set("console", consoleObj)

	root := job.SandboxRoot
	if root == "" {
		root = "/sandbox"
	}
	vm.Set("SANDBOX_ROOT", root)

	if job.AllowNetwork {
		// fetch performs a bounded host-side GET and returns the body as a
		// string. The worker is single-threaded, so the call blocks the whole
		// script for its duration.
		vm.Set("fetch", func(url string) (string, error) {
			client := &http.Client{Timeout: FetchTimeout}
			resp, err := client.Get(url)
			if err != nil {
				return "", err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return "", err
			}
			return string(body), nil
		})
	}

	value, err := vm.RunString(job.Source)
	if err != nil {
		return workerPayload{Status: StatusError, Value: err.Error(), Console: console}
	}
	return workerPayload{Status: StatusOK, Value: render(value), Console: console}
}

// render converts the final expression value to display text.
func render(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	return v.String()
}
