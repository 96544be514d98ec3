package copad

import (
	"github.com/golang/glog"
)

// reconciliation: merge a client's locally pending operations into the
// authoritative log and hand back a minimal consistent increment to every
// interested party.
//
// The submitter gets everything after its own submitted pointer in one
// response; every other participant with the file open gets an independent
// push against that participant's last acknowledged pointer. Fan-out is per
// recipient, not broadcast-identical.

func (self *Service) handleSync(project *Project, client *Client, payload *SyncPayload) {
	file := project.Fs().Get(payload.Pathname)
	if file == nil || file.IsBinary() {
		client.SendError(&ProtocolError{Event: EventSync, Message: "no text log for " + payload.Pathname})
		return
	}
	if file.ReadOnly {
		client.SendError(&ProtocolError{Event: EventSync, Message: payload.Pathname + " is read only"})
		return
	}
	file.Open(client.Id)

	log := file.Log
	authorId := client.AuthorId()

	// accept only unseen entries; reject without corrupting the log
	for _, op := range payload.Operations.Add {
		submitted := &AddOp{
			Id:       op.Id,
			AuthorId: op.AuthorId,
			Name:     op.Name,
			Args:     op.Args,
		}
		if _, err := log.Append(authorId, submitted); err != nil {
			if _, ok := err.(*DuplicateOperationError); ok {
				glog.V(2).Infof("[sync]%s duplicate %s\n", payload.Pathname, op.Id)
				continue
			}
			glog.Infof("[sync]%s append error = %s\n", payload.Pathname, err)
			client.SendError(err)
		}
	}
	for _, rm := range payload.Operations.Remove {
		if log.Neutralized(rm.Id) {
			glog.V(2).Infof("[sync]%s duplicate remove %s\n", payload.Pathname, rm.Id)
			continue
		}
		if _, err := log.Tombstone(rm.Id); err != nil {
			glog.Infof("[sync]%s tombstone error = %s\n", payload.Pathname, err)
			client.SendError(err)
		}
	}

	serverPtr := log.Ptr()

	// respond to the submitter with everything after its own pointer
	adds, removes := log.SliceSince(payload.ClientRevision)
	client.Send(EventSync, &SyncPayload{
		Pathname:       payload.Pathname,
		ClientRevision: serverPtr,
		ServerRevision: serverPtr,
		Operations:     Operations{Add: adds, Remove: removes},
	})

	// per-recipient push to every other participant with the file open
	self.pushIncrements(project, file, client.Id)

	if compacted, err := log.CompactIfNeeded(); err != nil {
		glog.Infof("[sync]%s compact error = %s\n", payload.Pathname, err)
	} else if compacted {
		glog.V(2).Infof("[sync]%s compacted\n", payload.Pathname)
		// every acknowledged pointer refers to the old numbering now. Zero
		// them all and push the renumbered log to everyone with the file
		// open, submitter included, so increments keep flowing.
		file.ResetPtrs()
		self.pushIncrements(project, file, Id{})
	}
}

func (self *Service) pushIncrements(project *Project, file *File, exceptId Id) {
	clients := project.Clients()
	for _, other := range clients {
		if other.Id == exceptId {
			continue
		}
		ptr, open := file.ClientPtr(other.Id)
		if !open {
			continue
		}
		adds, removes := file.Log.SliceSince(ptr)
		if len(adds) == 0 && len(removes) == 0 {
			continue
		}
		other.Send(EventSync, &SyncPayload{
			Pathname:       file.Pathname,
			ServerRevision: file.Log.Ptr(),
			Operations:     Operations{Add: adds, Remove: removes},
		})
	}
}

// handleAck stores the highest contiguous revision the client has durably
// applied. The pointer decides what future increments it gets and never
// regresses.
func (self *Service) handleAck(project *Project, client *Client, payload *AckPayload) {
	file := project.Fs().Get(payload.Pathname)
	if file == nil {
		return
	}
	ptr := payload.Revision
	if !file.IsBinary() {
		// an ack past the server pointer refers to a numbering that a
		// compaction retired
		serverPtr := file.Log.Ptr()
		if serverPtr.Add < ptr.Add {
			ptr.Add = serverPtr.Add
		}
		if serverPtr.Remove < ptr.Remove {
			ptr.Remove = serverPtr.Remove
		}
	}
	file.Ack(client.Id, ptr)
	glog.V(2).Infof("[sync]%s ack %s = %d/%d\n", payload.Pathname, client.Id, ptr.Add, ptr.Remove)
}

// Undo and redo ride the same reconciliation path: the server mutates the
// log on the author's behalf and pushes the increment to everyone,
// including the requester.

func (self *Service) UndoFile(project *Project, client *Client, pathname string) error {
	file := project.Fs().Get(pathname)
	if file == nil || file.IsBinary() {
		return &ProtocolError{Event: EventSync, Message: "no text log for " + pathname}
	}
	if _, err := file.Log.Undo(client.AuthorId()); err != nil {
		return err
	}
	self.pushIncrements(project, file, Id{})
	return nil
}

func (self *Service) RedoFile(project *Project, client *Client, pathname string) error {
	file := project.Fs().Get(pathname)
	if file == nil || file.IsBinary() {
		return &ProtocolError{Event: EventSync, Message: "no text log for " + pathname}
	}
	if _, err := file.Log.Redo(client.AuthorId()); err != nil {
		return err
	}
	self.pushIncrements(project, file, Id{})
	return nil
}
