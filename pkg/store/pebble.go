// Package store persists messages, conversation indexes, edit history and
// block lists in a single Pebble database. Keys are namespaced strings:
//
//	conv:<key>:msg:<padded_created_at>-<id>   latest message state
//	msgid:<id>                                conv entry key for id lookup
//	version:msg:<id>:<padded_ts>-<seq>        every revision, oldest first
//	user:<uid>:conv:<key>                     conversation membership index
//	block:<uid>:<blocked>                     block list entry
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"chatstream/pkg/logger"
	"chatstream/pkg/models"
)

var db *pebble.DB

// seq disambiguates version keys when revisions share a nanosecond.
var seq uint64

// Open opens (or creates) the Pebble database at path and keeps a global
// handle for the package.
func Open(path string) error {
	var err error
	logger.Info("opening_pebble_db", "path", path)
	db, err = pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return err
	}
	logger.Info("pebble_opened", "path", path)
	return nil
}

// Close closes the opened pebble DB if present.
func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return err
	}
	db = nil
	logger.Info("pebble_closed")
	return nil
}

// Ready reports whether the store is opened and ready.
func Ready() bool {
	return db != nil
}

func notOpened() error {
	return fmt.Errorf("pebble not opened; call store.Open first")
}

func convMsgKey(m models.Message) string {
	key := models.ConversationKey(m.SenderID, m.RecipientID)
	return fmt.Sprintf("conv:%s:msg:%020d-%s", key, m.CreatedAt, m.ID)
}

// SaveMessage writes a new message: the conversation entry, the id index,
// the first version and the membership index for both participants.
func SaveMessage(m models.Message) error {
	if db == nil {
		return notOpened()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	key := convMsgKey(m)
	if err := db.Set([]byte(key), data, pebble.Sync); err != nil {
		logger.Error("save_message_failed", "key", key, "error", err)
		return err
	}
	if err := db.Set([]byte("msgid:"+m.ID), []byte(key), pebble.Sync); err != nil {
		logger.Error("save_message_index_failed", "id", m.ID, "error", err)
		return err
	}
	if err := saveVersion(m.ID, data); err != nil {
		return err
	}
	convKey := models.ConversationKey(m.SenderID, m.RecipientID)
	for _, uid := range []string{m.SenderID, m.RecipientID} {
		idx := fmt.Sprintf("user:%s:conv:%s", uid, convKey)
		if err := db.Set([]byte(idx), []byte(convKey), pebble.Sync); err != nil {
			logger.Error("save_conv_index_failed", "user", uid, "conv", convKey, "error", err)
			return err
		}
	}
	logger.Info("message_saved", "conv", convKey, "id", m.ID, "kind", string(m.Kind))
	return nil
}

func saveVersion(msgID string, data []byte) error {
	ts := time.Now().UTC().UnixNano()
	s := atomic.AddUint64(&seq, 1)
	verKey := fmt.Sprintf("version:msg:%s:%020d-%06d", msgID, ts, s)
	if err := db.Set([]byte(verKey), data, pebble.Sync); err != nil {
		logger.Error("save_version_failed", "id", msgID, "error", err)
		return err
	}
	return nil
}

// GetMessage returns the latest state of the message with the given id.
func GetMessage(id string) (models.Message, error) {
	if db == nil {
		return models.Message{}, notOpened()
	}
	key, closer, err := db.Get([]byte("msgid:" + id))
	if err != nil {
		return models.Message{}, fmt.Errorf("message %s not found: %w", id, err)
	}
	entry := append([]byte(nil), key...)
	closer.Close()

	v, closer, err := db.Get(entry)
	if err != nil {
		return models.Message{}, fmt.Errorf("message %s entry missing: %w", id, err)
	}
	defer closer.Close()
	var m models.Message
	if err := json.Unmarshal(v, &m); err != nil {
		return models.Message{}, fmt.Errorf("invalid message JSON: %w", err)
	}
	return m, nil
}

// overwrite replaces the conversation entry for m and appends a version.
// The created_at component of the key never changes, so the entry keeps its
// position in the conversation.
func overwrite(m models.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := db.Set([]byte(convMsgKey(m)), data, pebble.Sync); err != nil {
		return err
	}
	return saveVersion(m.ID, data)
}

// EditMessage replaces the body of an existing message. Only the sender may
// edit, only text messages carry an editable body, and a deleted message
// cannot be edited. The updated message is returned for broadcasting.
func EditMessage(id, actor, body string) (models.Message, error) {
	if db == nil {
		return models.Message{}, notOpened()
	}
	m, err := GetMessage(id)
	if err != nil {
		return models.Message{}, err
	}
	if m.SenderID != actor {
		return models.Message{}, fmt.Errorf("only the sender may edit message %s", id)
	}
	if m.Deleted {
		return models.Message{}, fmt.Errorf("message %s is deleted", id)
	}
	if m.Kind != models.KindText {
		return models.Message{}, fmt.Errorf("message %s is not editable", id)
	}
	m.Body = body
	m.Edited = true
	m.UpdatedAt = time.Now().UTC().UnixNano()
	if err := overwrite(m); err != nil {
		logger.Error("edit_message_failed", "id", id, "error", err)
		return models.Message{}, err
	}
	logger.Info("message_edited", "id", id, "actor", actor)
	return m, nil
}

// SoftDeleteMessage flags the message deleted, keeping the entry in place as
// a tombstone. Only the sender may delete. The updated message is returned
// for broadcasting.
func SoftDeleteMessage(id, actor string) (models.Message, error) {
	if db == nil {
		return models.Message{}, notOpened()
	}
	m, err := GetMessage(id)
	if err != nil {
		return models.Message{}, err
	}
	if m.SenderID != actor {
		return models.Message{}, fmt.Errorf("only the sender may delete message %s", id)
	}
	if m.Deleted {
		return m, nil
	}
	m.Deleted = true
	m.UpdatedAt = time.Now().UTC().UnixNano()
	if err := overwrite(m); err != nil {
		logger.Error("soft_delete_failed", "id", id, "error", err)
		return models.Message{}, err
	}
	logger.Info("message_soft_deleted", "id", id, "actor", actor)
	return m, nil
}

// HardDeleteMessage removes the message entry, its id index and all stored
// versions. Used by retention and by explicit purge requests.
func HardDeleteMessage(id string) error {
	if db == nil {
		return notOpened()
	}
	key, closer, err := db.Get([]byte("msgid:" + id))
	if err != nil {
		return fmt.Errorf("message %s not found: %w", id, err)
	}
	entry := append([]byte(nil), key...)
	closer.Close()

	if err := db.Delete(entry, pebble.Sync); err != nil {
		return err
	}
	if err := db.Delete([]byte("msgid:"+id), pebble.Sync); err != nil {
		return err
	}
	prefix := []byte("version:msg:" + id + ":")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		k := append([]byte(nil), iter.Key()...)
		if err := db.Delete(k, pebble.Sync); err != nil {
			return err
		}
	}
	logger.Info("message_hard_deleted", "id", id)
	return iter.Error()
}

// FetchMessages returns the conversation between viewer and peer, oldest
// first. Messages from a sender the viewer has blocked are omitted.
func FetchMessages(viewerID, peerID string) ([]models.Message, error) {
	if db == nil {
		return nil, notOpened()
	}
	blocked, err := IsBlocked(viewerID, peerID)
	if err != nil {
		return nil, err
	}
	convKey := models.ConversationKey(viewerID, peerID)
	prefix := []byte("conv:" + convKey + ":msg:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("invalid message JSON: %w", err)
		}
		if blocked && m.SenderID == peerID {
			continue
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

// MarkRead flags every unread message from peer to viewer as read and
// returns the updated messages for broadcasting.
func MarkRead(viewerID, peerID string) ([]models.Message, error) {
	if db == nil {
		return nil, notOpened()
	}
	msgs, err := FetchMessages(viewerID, peerID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().UnixNano()
	var updated []models.Message
	for _, m := range msgs {
		if m.RecipientID != viewerID || m.ReadByRecipient {
			continue
		}
		m.ReadByRecipient = true
		m.UpdatedAt = now
		if err := overwrite(m); err != nil {
			logger.Error("mark_read_failed", "id", m.ID, "error", err)
			return nil, err
		}
		updated = append(updated, m)
	}
	if len(updated) > 0 {
		logger.Info("messages_marked_read", "viewer", viewerID, "peer", peerID, "count", len(updated))
	}
	return updated, nil
}

// ListConversations returns one summary per conversation the viewer is part
// of, most recent activity first is the caller's concern; entries come back
// in conversation-key order.
func ListConversations(viewerID string) ([]models.Conversation, error) {
	if db == nil {
		return nil, notOpened()
	}
	prefix := []byte("user:" + viewerID + ":conv:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var keys []string
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		keys = append(keys, string(append([]byte(nil), iter.Value()...)))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	var out []models.Conversation
	for _, key := range keys {
		a, b := models.SplitConversationKey(key)
		peer := a
		if peer == viewerID {
			peer = b
		}
		msgs, err := FetchMessages(viewerID, peer)
		if err != nil {
			return nil, err
		}
		if len(msgs) == 0 {
			continue
		}
		conv := models.Conversation{PeerID: peer}
		last := msgs[len(msgs)-1]
		conv.LastMessage = models.Preview(last, viewerID)
		conv.LastActivityAt = last.CreatedAt
		for _, m := range msgs {
			if m.RecipientID == viewerID && !m.ReadByRecipient && !m.Deleted {
				conv.Unread++
			}
		}
		out = append(out, conv)
	}
	return out, nil
}

// ListMessageVersions returns every stored revision of a message in
// chronological order.
func ListMessageVersions(id string) ([]models.Message, error) {
	if db == nil {
		return nil, notOpened()
	}
	prefix := []byte("version:msg:" + id + ":")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("invalid message version JSON: %w", err)
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

// Block records that user has blocked target.
func Block(user, target string) error {
	if db == nil {
		return notOpened()
	}
	key := fmt.Sprintf("block:%s:%s", user, target)
	ts := fmt.Sprintf("%d", time.Now().UTC().UnixNano())
	if err := db.Set([]byte(key), []byte(ts), pebble.Sync); err != nil {
		logger.Error("block_failed", "user", user, "target", target, "error", err)
		return err
	}
	logger.Info("user_blocked", "user", user, "target", target)
	return nil
}

// Unblock removes a block entry. Unblocking a user who was never blocked is
// not an error.
func Unblock(user, target string) error {
	if db == nil {
		return notOpened()
	}
	key := fmt.Sprintf("block:%s:%s", user, target)
	if err := db.Delete([]byte(key), pebble.Sync); err != nil {
		logger.Error("unblock_failed", "user", user, "target", target, "error", err)
		return err
	}
	logger.Info("user_unblocked", "user", user, "target", target)
	return nil
}

// IsBlocked reports whether user has blocked target.
func IsBlocked(user, target string) (bool, error) {
	if db == nil {
		return false, notOpened()
	}
	key := fmt.Sprintf("block:%s:%s", user, target)
	_, closer, err := db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

// ListBlocked returns the ids of every user the given user has blocked.
func ListBlocked(user string) ([]string, error) {
	if db == nil {
		return nil, notOpened()
	}
	prefix := []byte("block:" + user + ":")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		out = append(out, string(iter.Key()[len(prefix):]))
	}
	return out, iter.Error()
}

// ListDeletedBefore returns the ids of soft-deleted messages whose last
// update is older than the cutoff. Used by retention.
func ListDeletedBefore(cutoff int64) ([]string, error) {
	if db == nil {
		return nil, notOpened()
	}
	prefix := []byte("conv:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue
		}
		if m.Deleted && m.UpdatedAt > 0 && m.UpdatedAt < cutoff {
			out = append(out, m.ID)
		}
	}
	return out, iter.Error()
}

// EraseMessagePayload blanks the body and media URL of a soft-deleted
// message and drops its version history. The tombstone entry stays so the
// conversation keeps its shape. The previous media URL is returned so the
// caller can remove the stored blob.
func EraseMessagePayload(id string) (string, error) {
	if db == nil {
		return "", notOpened()
	}
	m, err := GetMessage(id)
	if err != nil {
		return "", err
	}
	if !m.Deleted {
		return "", fmt.Errorf("message %s is not deleted", id)
	}
	mediaURL := m.MediaURL
	m.Body = ""
	m.MediaURL = ""
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := db.Set([]byte(convMsgKey(m)), data, pebble.Sync); err != nil {
		return "", err
	}
	prefix := []byte("version:msg:" + id + ":")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return "", err
	}
	defer iter.Close()
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		k := append([]byte(nil), iter.Key()...)
		if err := db.Delete(k, pebble.Sync); err != nil {
			return "", err
		}
	}
	if err := iter.Error(); err != nil {
		return "", err
	}
	logger.Info("message_payload_erased", "id", id)
	return mediaURL, nil
}
