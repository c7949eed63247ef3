package executor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/netprofiles/netprofd/service/profile"
)

// Managed block markers in /etc/hosts. Everything between them belongs to
// the daemon; the rest of the file is never touched.
const (
	hostsBlockBegin = "# netprofd managed block begin"
	hostsBlockEnd   = "# netprofd managed block end"
)

func (e *Executor) applyHostsEntries(a *profile.Action) error {
	if a.Restore != nil {
		return e.sys.WriteFile(e.hostsPath, *a.Restore, 0o644)
	}

	current, err := e.sys.ReadFile(e.hostsPath)
	if err != nil && !isNotExist(err) {
		return fmt.Errorf("failed to read %s: %w", e.hostsPath, err)
	}

	updated := replaceHostsBlock(current, renderHostsBlock(a.HostsEntries))
	if updated == current {
		return nil
	}
	return e.sys.WriteFile(e.hostsPath, updated, 0o644)
}

func renderHostsBlock(entries []profile.HostsEntry) string {
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(hostsBlockBegin + "\n")
	for _, entry := range entries {
		b.WriteString(entry.IP + "\t" + strings.Join(entry.Hostnames, " "))
		if entry.Comment != "" {
			b.WriteString("\t# " + entry.Comment)
		}
		b.WriteString("\n")
	}
	b.WriteString(hostsBlockEnd + "\n")
	return b.String()
}

func replaceHostsBlock(content, block string) string {
	lines := strings.Split(content, "\n")
	kept := make([]string, 0, len(lines))
	inBlock := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == hostsBlockBegin:
			inBlock = true
		case trimmed == hostsBlockEnd:
			inBlock = false
		case !inBlock:
			kept = append(kept, line)
		}
	}

	result := strings.Join(kept, "\n")
	if block == "" {
		return result
	}
	if result != "" && !strings.HasSuffix(result, "\n") {
		result += "\n"
	}
	return result + block
}

func (e *Executor) applyProxy(a *profile.Action) error {
	if a.Restore != nil {
		return e.writeOrRemove(e.proxyPath, *a.Restore)
	}
	return e.sys.WriteFile(e.proxyPath, renderProxyFile(a.Proxy), 0o644)
}

func renderProxyFile(p *profile.ProxyConfig) string {
	var b strings.Builder
	b.WriteString("# Managed by netprofd. Manual edits will be overwritten.\n")

	if p.Mode != profile.ProxyModeManual {
		if p.Mode == profile.ProxyModeAuto && p.PACURL != "" {
			fmt.Fprintf(&b, "export auto_proxy=%q\n", p.PACURL)
		}
		return b.String()
	}

	export := func(name, value string) {
		if value != "" {
			fmt.Fprintf(&b, "export %s=%q\n", name, value)
			fmt.Fprintf(&b, "export %s=%q\n", strings.ToUpper(name), value)
		}
	}
	export("http_proxy", p.HTTP)
	export("https_proxy", p.HTTPS)
	export("ftp_proxy", p.FTP)
	export("all_proxy", p.SOCKS)
	if len(p.NoProxy) > 0 {
		noProxy := strings.Join(p.NoProxy, ",")
		fmt.Fprintf(&b, "export no_proxy=%q\n", noProxy)
		fmt.Fprintf(&b, "export NO_PROXY=%q\n", noProxy)
	}
	return b.String()
}

func (e *Executor) applyEnvVars(a *profile.Action) error {
	if a.Restore != nil {
		return e.writeOrRemove(e.envPath, *a.Restore)
	}

	names := make([]string, 0, len(a.Vars))
	for name := range a.Vars {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("# Managed by netprofd. Manual edits will be overwritten.\n")
	for _, name := range names {
		fmt.Fprintf(&b, "export %s=%q\n", name, a.Vars[name])
	}
	return e.sys.WriteFile(e.envPath, b.String(), 0o644)
}

// writeOrRemove restores captured content; empty content means the file
// did not exist at capture time, so the managed content is cleared.
func (e *Executor) writeOrRemove(path, content string) error {
	return e.sys.WriteFile(path, content, 0o644)
}
