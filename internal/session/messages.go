package session

import "strings"

type locale string

const (
	localeChinese locale = "zh"
	localeEnglish locale = "en"
)

// Messages are the operator-facing status strings.
type Messages struct {
	Idle        string `json:"idle"`
	Listening   string `json:"listening"`
	Error       string `json:"error"`
	Unavailable string `json:"unavailable"`
}

// MessagesFor returns status strings for a BCP-47 language code such as zh-CN.
func MessagesFor(languageCode string) Messages {
	return messagesFor(resolveLocale(languageCode))
}

func resolveLocale(raw string) locale {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if strings.HasPrefix(raw, "zh") || raw == "" {
		return localeChinese
	}
	return localeEnglish
}

func messagesFor(tag locale) Messages {
	switch tag {
	case localeChinese:
		return Messages{
			Idle:        "待机",
			Listening:   "实时监控中",
			Error:       "音频错误",
			Unavailable: "语音识别不可用",
		}
	default:
		return Messages{
			Idle:        "Standby",
			Listening:   "Monitoring live",
			Error:       "Audio error",
			Unavailable: "Speech recognition unavailable",
		}
	}
}
