package cache

import "fmt"

// 键语义：
// - roomKey(resourceID):          资源在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(resourceID):         资源内 userId→displayName 映射（Hash）
// - cursorKey(resourceID, user):  光标 JSON（String，带 TTL）
// {} 包住的 hash tag 让同一资源的键落在同一个集群槽位，Lua 脚本可以同时操作

const (
	keyRoomPrefix = "presence:room:"
	keyRoomFmt    = keyRoomPrefix + "{res:%s}"
	keyNamesFmt   = "presence:names:{res:%s}"
	keyCursorFmt  = "presence:cursor:{res:%s}:%s"
)

func roomKey(resourceID string) string  { return fmt.Sprintf(keyRoomFmt, resourceID) }
func namesKey(resourceID string) string { return fmt.Sprintf(keyNamesFmt, resourceID) }
func cursorKey(resourceID, userID string) string {
	return fmt.Sprintf(keyCursorFmt, resourceID, userID)
}
