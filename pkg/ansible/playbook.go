package ansible

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ToYAML converts plays to the playbook document ansible-playbook reads.
func ToYAML(plays []Play) ([]byte, error) {
	docs := make([]map[string]any, 0, len(plays))

	for _, play := range plays {
		doc := map[string]any{
			"hosts": play.Hosts,
		}

		if play.Connection != "" {
			doc["connection"] = play.Connection
		}

		if play.Become {
			key := play.BecomeKeyword
			if key == "" {
				key = "sudo"
			}
			doc[key] = true
		}

		if play.RemoteUser != "" {
			doc["remote_user"] = play.RemoteUser
		}

		if play.Vars != nil {
			doc["vars"] = play.Vars
		}

		if len(play.Roles) == 0 {
			return nil, fmt.Errorf("play for %q has no roles", play.Hosts)
		}
		doc["roles"] = play.Roles

		docs = append(docs, doc)
	}

	return yaml.Marshal(docs)
}

// WritePlaybook writes plays to <dir>/<prefix>_<unix>.yml, creating dir when
// missing. If that name is taken the timestamp is advanced until a free name
// is found, so two renders within one second never share a file.
func WritePlaybook(dir, prefix string, plays []Play, now time.Time) (string, error) {
	body, err := ToYAML(plays)
	if err != nil {
		return "", &RenderError{Path: dir, Err: err}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &RenderError{Path: dir, Err: err}
	}

	ts := now.Unix()
	for attempt := 0; attempt < 100; attempt++ {
		path := filepath.Join(dir, fmt.Sprintf("%s_%d.yml", prefix, ts))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			ts++
			continue
		}
		if err != nil {
			return "", &RenderError{Path: path, Err: err}
		}
		if _, err := f.Write(body); err != nil {
			f.Close()
			return "", &RenderError{Path: path, Err: err}
		}
		if err := f.Close(); err != nil {
			return "", &RenderError{Path: path, Err: err}
		}
		return path, nil
	}

	return "", &RenderError{Path: dir, Err: errors.New("no free playbook name")}
}
