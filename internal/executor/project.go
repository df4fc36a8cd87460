package executor

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// Project is the execution identity of a bound project: its working
// directory, its private env, and any extra read-only directories it
// declares.
type Project struct {
	Name      string
	Dir       string
	Env       map[string]string
	ExtraRead []string
}

// ProjectExists reports whether the named project has a directory under
// <root>/projects. Backs the bind command's verification.
func ProjectExists(root, name string) bool {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return false
	}
	info, err := os.Stat(filepath.Join(root, "projects", name))
	return err == nil && info.IsDir()
}

// LoadProject resolves a project's directory and env. The project .env is
// parsed with the same relaxed KEY=value rules as the service .env; its
// values feed both the child process environment and output sanitization.
func LoadProject(root, name string) (*Project, error) {
	dir := filepath.Join(root, "projects", name)
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}

	p := &Project{Name: name, Dir: dir, Env: make(map[string]string)}

	f, err := os.Open(filepath.Join(dir, ".env"))
	if err == nil {
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			key, value, found := strings.Cut(line, "=")
			if !found {
				continue
			}
			key = strings.TrimSpace(key)
			value = strings.Trim(strings.TrimSpace(value), `"'`)
			if key != "" {
				p.Env[key] = value
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	// Optional newline-separated list of extra read-only directories.
	if data, err := os.ReadFile(filepath.Join(dir, ".relay-read-dirs")); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				p.ExtraRead = append(p.ExtraRead, line)
			}
		}
	}
	return p, nil
}
