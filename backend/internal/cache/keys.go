package cache

import "fmt"

// 键语义：
// - roomKey(docID):              文档的候选成员集合（Set<sessionId>）
// - memberKey(docID,sessionID):  成员存活键（String，占位"1"，带 TTL）
// - usersKey(docID):             文档内 sessionId→userId 映射（Hash）

const (
	keyRoomPrefix = "presence:room:"
	keyRoomFmt    = keyRoomPrefix + "%s"
	keyMemberFmt  = "presence:member:%s:%s"
	keyUsersFmt   = "presence:users:%s"
)

func roomKey(docID string) string              { return fmt.Sprintf(keyRoomFmt, docID) }
func memberKey(docID, sessionID string) string { return fmt.Sprintf(keyMemberFmt, docID, sessionID) }
func usersKey(docID string) string             { return fmt.Sprintf(keyUsersFmt, docID) }
