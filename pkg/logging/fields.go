package logging

func String(key, value string) Field { return Field{Key: key, Value: value} }

func Int(key string, value int) Field { return Field{Key: key, Value: value} }

func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

func Uint64(key string, value uint64) Field { return Field{Key: key, Value: value} }

func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Error attaches err under the "error" key. A nil err logs as null.
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// FileNumber names a table or log file by its number.
func FileNumber(n uint64) Field { return Uint64("file", n) }

// LevelNumber tags an entry with a compaction level.
func LevelNumber(l int) Field { return Int("level", l) }
