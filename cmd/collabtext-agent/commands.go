package main

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"collabtext/crdt"
	"collabtext/provider"
)

var errQuit = errors.New("quit")

const usage = `commands:
  set <key> <value>   write a value
  del <key>           delete a key
  show                print the document
  peers               print awareness states
  status              print the provider state
  quit                leave the room
`

// execute runs one stdin command against the shared document.
func execute(line string, doc *crdt.Doc, p *provider.Provider, out io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "set":
		if len(fields) < 3 {
			return fmt.Errorf("usage: set <key> <value>")
		}
		doc.Set(fields[1], strings.Join(fields[2:], " "))
	case "del":
		if len(fields) != 2 {
			return fmt.Errorf("usage: del <key>")
		}
		doc.Delete(fields[1])
	case "show":
		snapshot := doc.Snapshot()
		keys := make([]string, 0, len(snapshot))
		for k := range snapshot {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(out, "%s = %s\n", k, snapshot[k])
		}
	case "peers":
		states := p.Awareness().States()
		ids := make([]uint64, 0, len(states))
		for id := range states {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			marker := ""
			if id == p.Awareness().ClientID() {
				marker = " (you)"
			}
			fmt.Fprintf(out, "%d%s %v\n", id, marker, states[id])
		}
	case "status":
		fmt.Fprintf(out, "%s connected=%t synced=%t\n", p.State(), p.Connected(), p.Synced())
	case "help":
		io.WriteString(out, usage)
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q (try help)", fields[0])
	}
	return nil
}
