package skills

import (
	"os"
	"os/exec"
	"runtime"
)

// GatingContext caches the environment probes used by skill gates.
type GatingContext struct {
	OS       string
	pathBins map[string]bool
	envVars  map[string]bool
}

// NewGatingContext probes against the current process environment.
func NewGatingContext() *GatingContext {
	return &GatingContext{
		OS:       runtime.GOOS,
		pathBins: make(map[string]bool),
		envVars:  make(map[string]bool),
	}
}

func (c *GatingContext) checkBinary(name string) bool {
	if result, ok := c.pathBins[name]; ok {
		return result
	}
	_, err := exec.LookPath(name)
	c.pathBins[name] = err == nil
	return c.pathBins[name]
}

func (c *GatingContext) checkEnv(name string) bool {
	if result, ok := c.envVars[name]; ok {
		return result
	}
	_, exists := os.LookupEnv(name)
	c.envVars[name] = exists
	return exists
}

// Eligible evaluates a manifest's gating conditions. It returns false
// with a reason when any gate fails; the "always" flag bypasses all
// gates.
func (c *GatingContext) Eligible(m *Manifest) (bool, string) {
	g := m.Gating
	if g == nil || g.Always {
		return true, ""
	}

	if len(g.OS) > 0 {
		matched := false
		for _, osName := range g.OS {
			if osName == c.OS {
				matched = true
				break
			}
		}
		if !matched {
			return false, "os " + c.OS + " not permitted"
		}
	}

	for _, env := range g.Env {
		if !c.checkEnv(env) {
			return false, "missing env " + env
		}
	}

	for _, bin := range g.Bins {
		if !c.checkBinary(bin) {
			return false, "missing binary " + bin
		}
	}

	return true, ""
}
