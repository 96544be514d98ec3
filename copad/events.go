package copad

import (
	"strings"
	"time"

	"github.com/golang/glog"
)

// handleFrame is the closed dispatch over reserved and editing events, plus
// the open extension point for the custom event namespace.
func (self *Service) handleFrame(client *Client, frame *Frame) {
	switch frame.Event {
	case EventVerify:
		payload := &VerifyPayload{}
		if err := frame.Decode(payload); err != nil {
			self.protocolError(client, err)
			return
		}
		self.openProject(client, payload)
		return
	case EventPing:
		client.Send(EventPong, &PingPayload{Timestamp: time.Now().UnixMilli()})
		return
	case EventPong:
		client.recordPong()
		return
	case EventError:
		payload := &ErrorPayload{}
		if err := frame.Decode(payload); err == nil {
			glog.Infof("[svc]%s client error: %s\n", client.Id, payload.Message)
		}
		return
	}

	if strings.HasPrefix(frame.Event, CustomEventPrefix) {
		self.stateLock.Lock()
		handler, ok := self.customHandlers[frame.Event]
		self.stateLock.Unlock()
		if ok {
			handler(client, frame)
		} else {
			self.protocolError(client, &ProtocolError{Event: frame.Event, Message: "no handler registered"})
		}
		return
	}

	// everything below requires a completed handshake
	if !client.Identified() {
		self.protocolError(client, &ProtocolError{Event: frame.Event, Message: "not identified"})
		return
	}
	project := client.Project()
	if project == nil {
		self.protocolError(client, &ProtocolError{Event: frame.Event, Message: "no project"})
		return
	}

	switch frame.Event {
	case EventSync:
		payload := &SyncPayload{}
		if err := frame.Decode(payload); err != nil {
			self.protocolError(client, err)
			return
		}
		self.handleSync(project, client, payload)
	case EventAck:
		payload := &AckPayload{}
		if err := frame.Decode(payload); err != nil {
			self.protocolError(client, err)
			return
		}
		self.handleAck(project, client, payload)
	case EventFileOpen, EventFileActivate, EventFileClose, EventFileCreate,
		EventFileCopy, EventFileMove, EventFileUnlink, EventFileUpload,
		EventFileDownload, EventFileSave:
		payload := &FilePayload{}
		if err := frame.Decode(payload); err != nil {
			self.protocolError(client, err)
			return
		}
		self.handleFileEvent(project, client, frame.Event, payload)
	default:
		self.protocolError(client, &ProtocolError{Event: frame.Event, Message: "unknown event"})
	}
}

// protocolError logs and ignores a malformed message. The connection is
// only dropped when these recur before identification completes.
func (self *Service) protocolError(client *Client, err error) {
	glog.Infof("[svc]%s protocol error = %s\n", client.Id, err)
	if client.countProtocolError() {
		glog.Infof("[svc]%s dropped for repeated protocol errors\n", client.Id)
		client.CloseWithError(err)
		return
	}
	client.SendError(err)
}

func (self *Service) handleFileEvent(project *Project, client *Client, event string, payload *FilePayload) {
	fs := project.Fs()

	switch event {
	case EventFileOpen:
		file := fs.Get(payload.Pathname)
		if file == nil {
			client.SendError(&ProtocolError{Event: event, Message: "no such file: " + payload.Pathname})
			return
		}
		file.Open(client.Id)
		if self.hooks.FileOpenHook != nil {
			self.hooks.FileOpenHook(self.ctx, project.Name, payload.Pathname)
		}
		// send the opener the full log tail so it can replay locally
		if !file.IsBinary() {
			adds, removes := file.Log.SliceSince(RevisionPtr{Add: -1, Remove: -1})
			client.Send(EventSync, &SyncPayload{
				Pathname:       payload.Pathname,
				ServerRevision: file.Log.Ptr(),
				Operations:     Operations{Add: adds, Remove: removes},
			})
		}

	case EventFileActivate:
		client.setActivePathname(payload.Pathname)
		project.Broadcast(client.Id, EventFileActivate, payload)

	case EventFileClose:
		file := fs.Get(payload.Pathname)
		if file == nil {
			return
		}
		if file.Close(client.Id) && !file.IsBinary() {
			value, err := file.Log.Value()
			if err == nil && value != file.Committed() {
				if file.Durable() {
					self.fireFileChange(project, payload.Pathname)
				} else {
					file.Discard()
				}
			}
		}

	case EventFileCreate:
		data := payload.Data
		if data == nil {
			data = []byte(payload.Content)
		}
		if _, err := fs.Create(payload.Pathname, data, payload.Temporary); err != nil {
			client.SendError(&ProtocolError{Event: event, Message: err.Error()})
			return
		}
		project.Broadcast(client.Id, EventFileCreate, payload)

	case EventFileCopy:
		if _, err := fs.Copy(payload.Pathname, payload.ToPathname); err != nil {
			client.SendError(&ProtocolError{Event: event, Message: err.Error()})
			return
		}
		project.Broadcast(client.Id, EventFileCopy, payload)

	case EventFileMove:
		if _, err := fs.Move(payload.Pathname, payload.ToPathname); err != nil {
			client.SendError(&ProtocolError{Event: event, Message: err.Error()})
			return
		}
		project.Broadcast(client.Id, EventFileMove, payload)

	case EventFileUnlink:
		if err := fs.Unlink(payload.Pathname); err != nil {
			client.SendError(&ProtocolError{Event: event, Message: err.Error()})
			return
		}
		project.Broadcast(client.Id, EventFileUnlink, payload)

	case EventFileUpload:
		file := fs.Get(payload.Pathname)
		if file != nil {
			fs.Unlink(payload.Pathname)
		}
		data := payload.Data
		if data == nil {
			data = []byte(payload.Content)
		}
		if _, err := fs.Create(payload.Pathname, data, payload.Temporary); err != nil {
			client.SendError(&ProtocolError{Event: event, Message: err.Error()})
			return
		}
		project.Broadcast(client.Id, EventFileUpload, &FilePayload{Pathname: payload.Pathname})

	case EventFileDownload:
		file := fs.Get(payload.Pathname)
		if file == nil {
			client.SendError(&ProtocolError{Event: event, Message: "no such file: " + payload.Pathname})
			return
		}
		response := &FilePayload{Pathname: payload.Pathname}
		if file.IsBinary() {
			response.Data = file.Data()
		} else {
			value, err := file.Log.Value()
			if err != nil {
				client.SendError(err)
				return
			}
			response.Content = value
		}
		client.Send(EventFileDownload, response)

	case EventFileSave:
		self.SaveProject(project.Name)
	}
}
