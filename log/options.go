package log

import "errors"

const (
	//LevelDebug debug level logging, all messages outputted
	LevelDebug = "DEBUG"
	//LevelInfo info level logging, no debug information
	LevelInfo = "INFO"
	//LevelWarn warning level logging, recovered and fatal errors only
	LevelWarn = "WARN"
	//LevelError error level logging, fatal errors only
	LevelError = "ERROR"
)

//Options holds the configuration settings for logging. JSON
//serializable so it can be loaded from the config file.
type Options struct {
	//Path holds the file path to write logs to. Empty means
	//STDOUT only.
	Path string `json:"path"`

	//Level sets the minimum logging level; one of
	//DEBUG, INFO, WARN, ERROR. Default is INFO.
	Level string `json:"level"`

	//Usage enables per-connection usage messages
	Usage bool `json:"usage"`

	//BlurTimes rounds logged times to the second to avoid
	//fingerprinting devices by precise connect times
	BlurTimes bool `json:"blurTimes"`

	//ShowAddress enables logging of remote addresses on
	//usage messages
	ShowAddress bool `json:"showRemoteAddresses"`
}

//DefaultOptions holds the preset logging options
var DefaultOptions = Options{
	Path:        "",
	Level:       LevelInfo,
	Usage:       true,
	BlurTimes:   true,
	ShowAddress: false,
}

//ErrOptionLevel specifies the level field is not a known level
var ErrOptionLevel = errors.New("invalid logging level option provided")

//Verify confirms the options are valid
func (o Options) Verify() error {
	if o.Level != LevelDebug &&
		o.Level != LevelInfo &&
		o.Level != LevelWarn &&
		o.Level != LevelError {
		return ErrOptionLevel
	}
	return nil
}

//Equals returns true if the supplied options deep-equal these
func (o Options) Equals(opt Options) bool {
	return o == opt
}

//MergeFrom combines the values from the supplied options into this
//object, overriding only fields the source actually set. Verifies
//the result.
func (o *Options) MergeFrom(opt Options) error {
	if opt.Path != "" {
		o.Path = opt.Path
	}
	if opt.Level != "" {
		o.Level = opt.Level
	}
	o.Usage = opt.Usage
	o.BlurTimes = opt.BlurTimes
	o.ShowAddress = opt.ShowAddress
	return o.Verify()
}
