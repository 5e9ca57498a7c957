package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteVersion(t *testing.T) {
	Version, Commit, BuildTime = "v1.4.0", "abc123", "2026-03-02"
	t.Cleanup(func() { Version, Commit, BuildTime = "dev", "none", "unknown" })

	var buf bytes.Buffer
	writeVersion(&buf, false)
	out := buf.String()
	assert.Contains(t, out, "crmflow v1.4.0 (commit abc123, built 2026-03-02)\n")
	assert.Contains(t, out, "trigger modules: leads, activities, communication, inventory, deals, post_sale\n")
	assert.Contains(t, out, "max cascade depth: 5\n")

	buf.Reset()
	writeVersion(&buf, true)
	assert.Equal(t, "v1.4.0\n", buf.String())
}
