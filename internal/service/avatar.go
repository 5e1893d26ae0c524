package service

import (
	"hash/fnv"
	"net/url"
)

var avatarStyles = []string{
	"bottts", "avataaars", "big-smile", "identicon", "initials", "pixel-art",
	"adventurer", "big-ears", "croodles", "fun-emoji", "lorelei", "micah",
	"miniavs", "open-peeps", "personas", "rings", "shapes",
}

// AvatarURL 按用户名确定性地选择 DiceBear 风格，同一用户名总是得到同一头像。
func AvatarURL(username string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(username))
	style := avatarStyles[h.Sum32()%uint32(len(avatarStyles))]
	return "https://api.dicebear.com/7.x/" + style + "/svg?seed=" + url.QueryEscape(username)
}
