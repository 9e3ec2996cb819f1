// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package healthz

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"

	xhttp "github.com/containers/blockpool/pkg/http"
	logger "github.com/containers/blockpool/pkg/log"
)

var (
	lock     sync.Mutex
	checkers = map[string]CheckFn{}
	sorted   []string
	// our logger instance
	log = logger.NewLogger("health-check")
)

// CheckFn checks the health of a component.
type CheckFn func() (status Status, details error)

// Status describes the health of a component or the whole.
type Status int

const (
	// Healthy components are fully functional.
	Healthy Status = iota
	// Degraded components are functional but not performing as configured.
	Degraded
	// NonFunctional components are not functional.
	NonFunctional
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case NonFunctional:
		return "non-functional"
	}
	return fmt.Sprintf("%%!(healthz:Bad-Status %d)", int(s))
}

// Setup prepares the given HTTP request multiplexer for serving healthz.
func Setup(mux *xhttp.ServeMux) {
	mux.HandleFunc("/healthz", serve)
}

// serve serves a single HTTP request.
func serve(w http.ResponseWriter, _ *http.Request) {
	status, details := Check()

	var body string
	if status == Healthy {
		w.WriteHeader(http.StatusOK)
		body = "ok"
	} else {
		w.WriteHeader(http.StatusInternalServerError)
		lines := make([]string, 0, len(details))
		for name, err := range details {
			lines = append(lines, fmt.Sprintf("%s: %v", name, err))
		}
		slices.Sort(lines)
		body = status.String() + "\n" + strings.Join(lines, "\n") + "\n"
	}

	if _, err := w.Write([]byte(body)); err != nil {
		log.Errorf("failed to write response: %v", err)
	}
}

// RegisterHealthChecker registers the given health checker function.
func RegisterHealthChecker(name string, fn CheckFn) {
	lock.Lock()
	defer lock.Unlock()

	if _, conflict := checkers[name]; conflict {
		panic(fmt.Sprintf("checker %q already registered", name))
	}

	checkers[name] = fn
	sorted = append(sorted, name)
	slices.Sort(sorted)
}

// UnregisterHealthChecker removes the named health checker.
func UnregisterHealthChecker(name string) {
	lock.Lock()
	defer lock.Unlock()

	if _, ok := checkers[name]; !ok {
		return
	}
	delete(checkers, name)
	sorted = slices.DeleteFunc(sorted, func(n string) bool { return n == name })
}

// Check runs all registered checkers, returning the worst status and
// the details of all unhealthy components.
func Check() (Status, map[string]error) {
	status := Healthy
	details := map[string]error{}

	lock.Lock()
	defer lock.Unlock()

	for _, name := range sorted {
		s, err := checkers[name]()
		if s == Healthy {
			continue
		}
		status = max(status, s)
		if err == nil {
			err = fmt.Errorf("%s", s)
		}
		details[name] = err
		log.Errorf("component %s reported %s: %v", name, s, err)
	}

	return status, details
}
