// Command relay-client is a line-oriented console client for the relay
// chat server.
//
// Commands:
//
//	/name <name>   announce an identity
//	/image <path>  send an image file
//	/quit          leave
//
// Anything else is sent as chat text (or as a raw server command while
// no name is set).
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/chatrelay/relay/pkg/protocol"
)

var (
	systemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("243")).Italic(true)
	nameStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("45")).Bold(true)
	selfStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("84")).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	timeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func main() {
	server := flag.String("server", "localhost:8887", "Server address (host:port)")
	name := flag.String("name", "", "Display name to announce on connect")
	flag.Parse()

	conn, err := net.DialTimeout("tcp", *server, 10*time.Second)
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("connect failed: %v", err)))
		os.Exit(1)
	}
	defer conn.Close()

	fmt.Println(systemStyle.Render("Connected to " + *server))

	username := *name
	if username != "" {
		if err := sendEnvelope(conn, protocol.Identity{Username: username}); err != nil {
			fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("send identity: %v", err)))
			os.Exit(1)
		}
	}

	done := make(chan struct{})
	go receiveLoop(conn, username, done)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			leaveRoom(conn, username)
			select {
			case <-done:
			case <-time.After(2 * time.Second):
			}
			return

		case strings.HasPrefix(line, "/name "):
			username = strings.TrimSpace(strings.TrimPrefix(line, "/name "))
			if err := sendEnvelope(conn, protocol.Identity{Username: username}); err != nil {
				fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("send identity: %v", err)))
				return
			}

		case strings.HasPrefix(line, "/image "):
			path := strings.TrimSpace(strings.TrimPrefix(line, "/image "))
			if err := sendImage(conn, username, path); err != nil {
				fmt.Println(errorStyle.Render(fmt.Sprintf("image send failed: %v", err)))
			}

		default:
			var env protocol.Envelope
			if username != "" {
				env = protocol.ChatText{Username: username, Body: line}
			} else {
				// No identity yet: talk to the server's command dialogue
				env = protocol.PlainText{Body: line}
			}
			if err := sendEnvelope(conn, env); err != nil {
				fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("send failed: %v", err)))
				return
			}
		}
	}
}

// receiveLoop renders incoming frames until the server closes the
// connection.
func receiveLoop(conn net.Conn, self string, done chan<- struct{}) {
	defer close(done)

	for {
		payload, err := protocol.DecodeFrame(conn)
		if err != nil {
			fmt.Println(systemStyle.Render("Disconnected from server"))
			return
		}

		switch m := protocol.Parse(payload).(type) {
		case protocol.System:
			fmt.Println(systemStyle.Render("* " + m.Body))
		case protocol.ChatText:
			fmt.Printf("%s %s %s\n", stamp(m.Timestamp), renderName(m.Username, self), m.Body)
		case protocol.ChatImage:
			fmt.Printf("%s %s sent an image: %s (%d bytes)\n",
				stamp(m.Timestamp), renderName(m.Username, self), m.Filename, m.Size)
		case protocol.PlainText:
			fmt.Println(m.Body)
		}
	}
}

func renderName(name, self string) string {
	if name == self && self != "" {
		return selfStyle.Render(name + ":")
	}
	return nameStyle.Render(name + ":")
}

// stamp renders the server timestamp as local wall-clock time.
func stamp(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return timeStyle.Render("[--:--:--]")
	}
	return timeStyle.Render(t.Local().Format("[15:04:05]"))
}

// leaveRoom disconnects. An anonymous session asks the server's
// command dialogue to drop it; a named session closes the connection
// directly, since any text it sends would be promoted to a chat line
// for the whole room. The server announces the departure either way.
func leaveRoom(conn net.Conn, username string) error {
	if username != "" {
		return conn.Close()
	}
	return sendEnvelope(conn, protocol.PlainText{Body: "quit"})
}

func sendEnvelope(conn net.Conn, env protocol.Envelope) error {
	payload, err := protocol.Serialize(env)
	if err != nil {
		return err
	}
	return protocol.EncodeFrame(conn, payload)
}

// sendImage reads an image file and sends it as a ChatImage envelope.
func sendImage(conn net.Conn, username, path string) error {
	const maxImageBytes = 5 * 1024 * 1024

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() > maxImageBytes {
		return fmt.Errorf("file too large: %d bytes (limit %d)", info.Size(), maxImageBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return sendEnvelope(conn, protocol.ChatImage{
		Username: username,
		Filename: filepath.Base(path),
		Size:     int64(len(data)),
		Data:     data,
	})
}
