package imap

import (
	"fmt"
	"log"

	"github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
	"github.com/emersion/go-imap/client"
)

// resolveProviderThreadIDs maps every UID in the selected folder to an opaque
// conversation identifier using the THREAD extension (REFERENCES algorithm).
// The identifier is derived from the folder's UIDVALIDITY and the thread
// root's UID, which stays stable across sessions as long as UIDVALIDITY does.
// Servers without THREAD support yield an empty map: the provider simply
// supplies no conversation grouping.
func resolveProviderThreadIDs(c *client.Client, mbox *imap.MailboxStatus) map[uint32]string {
	threadClient := sortthread.NewThreadClient(c)

	supported, err := threadClient.SupportThread()
	if err != nil || !supported {
		return nil
	}

	threads, err := threadClient.UidThread(sortthread.References, imap.NewSearchCriteria())
	if err != nil {
		log.Printf("Warning: THREAD command failed, continuing without conversation ids: %v", err)
		return nil
	}

	threadIDs := make(map[uint32]string)
	for _, thread := range threads {
		if thread == nil {
			continue
		}
		rootID := fmt.Sprintf("%d.%d", mbox.UidValidity, thread.Id)
		mapThreadTree(thread, rootID, threadIDs)
	}

	return threadIDs
}

// mapThreadTree assigns the root's identifier to every message in the tree.
func mapThreadTree(thread *sortthread.Thread, rootID string, out map[uint32]string) {
	if thread == nil {
		return
	}
	out[thread.Id] = rootID
	for _, child := range thread.Children {
		mapThreadTree(child, rootID, out)
	}
}
