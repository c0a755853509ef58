// Package nodeconf reads and rewrites the node repository's JSON
// configuration. The file is owned by the node software and carries keys
// this provisioner knows nothing about, so rewrites touch exactly one value
// and keep every other member's bytes and position intact.
package nodeconf

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pinstrap/pinstrap/pkg/engine"
)

// member is one key/value pair of a JSON object, value kept verbatim.
type member struct {
	key string
	raw json.RawMessage
}

// QuotaString formats a GiB quota the way the node config expects. Zero is
// a legal quota and still renders as "0G".
func QuotaString(quotaGiB int) string {
	return fmt.Sprintf("%dG", quotaGiB)
}

// StorageMax returns the current Datastore.StorageMax value, or "" when the
// key is absent.
func StorageMax(data []byte) (string, error) {
	top, err := parseObject(data)
	if err != nil {
		return "", err
	}
	for _, m := range top {
		if m.key != "Datastore" {
			continue
		}
		ds, err := parseObject(m.raw)
		if err != nil {
			return "", err
		}
		for _, dm := range ds {
			if dm.key == "StorageMax" {
				var v string
				if err := json.Unmarshal(dm.raw, &v); err != nil {
					return "", engine.NewInvalidArgument("Datastore.StorageMax is not a string", err)
				}
				return v, nil
			}
		}
	}
	return "", nil
}

// SetStorageMax rewrites Datastore.StorageMax to the given quota and returns
// the new file contents. Every other member keeps its original bytes and
// position; a missing StorageMax key is appended to the Datastore object.
func SetStorageMax(data []byte, quotaGiB int) ([]byte, error) {
	top, err := parseObject(data)
	if err != nil {
		return nil, err
	}

	quota, err := json.Marshal(QuotaString(quotaGiB))
	if err != nil {
		return nil, err
	}

	found := false
	for i, m := range top {
		if m.key != "Datastore" {
			continue
		}
		found = true

		ds, err := parseObject(m.raw)
		if err != nil {
			return nil, err
		}

		replaced := false
		for j, dm := range ds {
			if dm.key == "StorageMax" {
				ds[j].raw = quota
				replaced = true
				break
			}
		}
		if !replaced {
			ds = append(ds, member{key: "StorageMax", raw: quota})
		}
		top[i].raw = serializeObject(ds, "    ", "  ")
		break
	}
	if !found {
		return nil, engine.NewInvalidArgument("node config has no Datastore section", nil)
	}

	out := serializeObject(top, "  ", "")
	out = append(out, '\n')
	return out, nil
}

// parseObject splits a JSON object into its members in document order,
// keeping each value's bytes verbatim.
func parseObject(data []byte) ([]member, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, engine.NewInvalidArgument("malformed node config", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, engine.NewInvalidArgument("node config is not a JSON object", nil)
	}

	var members []member
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, engine.NewInvalidArgument("malformed node config", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, engine.NewInvalidArgument("malformed node config", nil)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, engine.NewInvalidArgument(
				fmt.Sprintf("malformed node config value for %q", key), err)
		}
		members = append(members, member{key: key, raw: raw})
	}
	return members, nil
}

// serializeObject writes members back as an object. Values are emitted
// verbatim; only the object's own braces, keys, and separators are authored
// here, matching the two-space indentation the node writes its config with.
func serializeObject(members []member, indent, closeIndent string) []byte {
	var b bytes.Buffer
	b.WriteString("{")
	for i, m := range members {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("\n")
		b.WriteString(indent)
		key, _ := json.Marshal(m.key)
		b.Write(key)
		b.WriteString(": ")
		b.Write(bytes.TrimSpace(m.raw))
	}
	b.WriteString("\n")
	b.WriteString(closeIndent)
	b.WriteString("}")
	return b.Bytes()
}

// QuotaEquals reports whether the config's current StorageMax already holds
// the given quota.
func QuotaEquals(data []byte, quotaGiB int) bool {
	current, err := StorageMax(data)
	if err != nil {
		return false
	}
	return strings.TrimSpace(current) == QuotaString(quotaGiB)
}
