package cache

import "fmt"

// 键语义：
// - lockKey(noteID, line):  行软锁（String，值为持有者 username，带 TTL）
// - roomKey(noteID):        房间在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(noteID):       房间内 userId→username 映射（Hash）
//
// {note:%d} 作为 hash tag，保证同一文档的键落在同一个 slot，Lua 脚本在集群下可用

const (
	keyLockFmt  = "softlock:{note:%d}:line:%d"
	keyRoomFmt  = "presence:room:{note:%d}"
	keyNamesFmt = "presence:room:names:{note:%d}"
)

func lockKey(noteID int64, line int) string { return fmt.Sprintf(keyLockFmt, noteID, line) }
func roomKey(noteID int64) string            { return fmt.Sprintf(keyRoomFmt, noteID) }
func namesKey(noteID int64) string           { return fmt.Sprintf(keyNamesFmt, noteID) }
