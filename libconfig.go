package torgate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// renderExternalDaemonConfig renders the file that tells a consuming library
// to use an already running daemon: the bridge as its control port and the
// daemon's SOCKS port.
func renderExternalDaemonConfig(bridgePort, socksPort int) string {
	var b strings.Builder
	b.WriteString("UseExternalTor 1\n")
	fmt.Fprintf(&b, "ControlPort %d\n", bridgePort)
	fmt.Fprintf(&b, "SocksPort %d\n", socksPort)
	b.WriteString("CookieAuthentication 0\n")
	return b.String()
}

// WriteExternalDaemonConfig writes the external daemon config to every path.
// Each file is replaced atomically. All paths are attempted; the returned
// error joins the individual failures.
func WriteExternalDaemonConfig(paths []string, bridgePort, socksPort int) error {
	if !validPort(bridgePort) || !validPort(socksPort) {
		return newError(ErrInvalidConfig, "WriteExternalDaemonConfig",
			fmt.Sprintf("invalid ports: control %d, socks %d", bridgePort, socksPort), nil)
	}
	content := []byte(renderExternalDaemonConfig(bridgePort, socksPort))
	var errs []error
	for _, path := range paths {
		if err := writeFileAtomic(path, content); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return newError(ErrIO, "WriteExternalDaemonConfig", "failed to write config file", errors.Join(errs...))
	}
	return nil
}

func writeFileAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename to %s: %w", path, err)
	}
	return nil
}
