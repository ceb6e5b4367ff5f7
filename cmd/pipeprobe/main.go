// pipeprobe connects to the connector's pipe endpoint as if it were the
// softphone peer and dumps every decoded frame to a capture file. Useful for
// diagnosing framing or encoding trouble without a softphone installed.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pbxlink/datev-connector/internal/transport/pipe"
)

func main() {
	network := flag.String("network", "tcp", `Endpoint network ("tcp" or "unix")`)
	addr := flag.String("addr", "127.0.0.1:5040", "Endpoint address")
	outDir := flag.String("outdir", "testdata/captures", "Output directory for captures")
	sanitize := flag.String("sanitize", "", "Sanitize a capture file in-place (keeps .bak)")
	flag.Parse()

	if *sanitize != "" {
		if err := sanitizeFile(*sanitize); err != nil {
			fmt.Fprintf(os.Stderr, "sanitize error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("sanitized:", *sanitize)
		return
	}

	if err := capture(*network, *addr, *outDir); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func capture(network, addr, outDir string) error {
	fmt.Printf("connecting to %s (%s)...\n", addr, network)

	conn, err := net.DialTimeout(network, addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	filename := filepath.Join(outDir, time.Now().Format("20060102-150405")+".txt")
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer f.Close()

	fmt.Printf("writing to %s\n", filename)
	fmt.Println("decoding frames (ctrl+c to stop)...")

	for {
		payload, err := pipe.ReadFrame(conn)
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}
		line := fmt.Sprintf("%s %s\n", time.Now().Format("15:04:05.000"), payload)
		f.WriteString(line)
		fmt.Print(line)

		msg := pipe.ParseMessage(payload)
		// Greet back on the handshake so the connector keeps the session.
		if msg.Cmd() == pipe.CmdSrvHello {
			if err := pipe.WriteFrame(conn, pipe.NewMessage(pipe.CmdSrvHello).Encode()); err != nil {
				return fmt.Errorf("answering handshake: %w", err)
			}
		}
	}
}

var (
	phonePattern  = regexp.MustCompile(`\b\+?\d{7,15}\b`)
	numberKeyPath = regexp.MustCompile(`(?i)((?:number|originator|callednumber)=)[^,\s]+`)
)

func sanitizeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	bakPath := path + ".bak"
	if err := os.WriteFile(bakPath, data, 0o644); err != nil {
		return fmt.Errorf("creating backup: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		line = numberKeyPath.ReplaceAllString(line, "${1}015550001234")
		// Remaining long digit runs are numbers in free-form fields.
		line = phonePattern.ReplaceAllString(line, "015550001234")
		lines[i] = line
	}

	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)
}
