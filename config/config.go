package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"wormhole-mailbox/log"

	"github.com/urfave/cli"
)

//RelayOptions holds the settings specific to the mailbox
//server operations
type RelayOptions struct {
	//Host portion for the server to listen on.
	//Leaving this empty is fine as it will just use the default interface.
	Host string `json:"host"`

	//Port number for the server to listen on
	Port uint `json:"port"`

	//ChannelDB is the path to the SQLite database holding the live
	//channel state (nameplates, mailboxes, messages)
	ChannelDB string `json:"channelDb"`

	//UsageDB is the path to the SQLite database that receives usage
	//summaries. Empty disables usage recording entirely
	UsageDB string `json:"usageDb"`

	//BlurUsage rounds recorded access times down to a multiple of
	//this many seconds before they are persisted, to improve user
	//privacy. Zero disables blurring
	BlurUsage uint `json:"blurUsage"`

	//MOTD is sent to every connecting client inside the welcome
	//message; clients display it and keep running
	MOTD string `json:"motd"`

	//SignalError is sent to every connecting client inside the
	//welcome message; clients must display it and abort
	SignalError string `json:"signalError"`

	//AdvertiseVersion holds the client release version to recommend;
	//clients warn when their own version differs
	AdvertiseVersion string `json:"advertiseVersion"`

	//DisallowList refuses client requests for the list of
	//allocated nameplates
	DisallowList bool `json:"disallowList"`

	//CleaningInterval is the number of seconds between pruning
	//passes over idle channels
	CleaningInterval uint `json:"cleaningInterval"`

	//ChannelExpiration is the number of seconds a channel may sit
	//idle before a pruning pass collects it. Should be larger than
	//CleaningInterval
	ChannelExpiration uint `json:"channelExpiration"`

	//WebSocketOptions carries transport protocol options as
	//name -> JSON value pairs, applied to the websocket upgrader
	//where recognized
	WebSocketOptions map[string]interface{} `json:"websocketOptions"`
}

//AllowList reports whether clients may request the list of
//allocated nameplates
func (r RelayOptions) AllowList() bool {
	return !r.DisallowList
}

//Options is a JSON serializable object holding the configuration
//settings for running a mailbox server.
//
//These options can be loaded from file, or filled in from command line.
//The intended hierarchy is CLI options > File > Defaults
type Options struct {
	//Relay holds the mailbox server options
	Relay RelayOptions `json:"relay"`

	//Logging holds the options settings for logging operations
	Logging log.Options `json:"logging"`
}

//DefaultOptions contains the preset default options
//for a server.
var DefaultOptions = Options{
	Relay: RelayOptions{
		Host:              "",
		Port:              4000,
		ChannelDB:         "./relay.sqlite",
		UsageDB:           "",
		CleaningInterval:  5 * 60,
		ChannelExpiration: 11 * 60,
	},

	Logging: log.DefaultOptions,
}

var (
	//ErrOptionsCleaning validation error that the cleaning interval
	//is larger than the channel expiration
	ErrOptionsCleaning = errors.New("cleaning interval should be less then channel expiration")

	//ErrOptionsChannelDB validation error for a missing channel database path
	ErrOptionsChannelDB = errors.New("a channel database path is required")

	//ErrWebSocketOption reports a malformed --websocket-protocol-option value
	ErrWebSocketOption = errors.New("websocket protocol options must be formatted as OPTION=JSON-VALUE")
)

//Equals returns true if the supplied options matches these ones (this).
//Performs this as a deep-equals operation, except for the websocket
//protocol options which only compare by length
func (o Options) Equals(opts Options) bool {
	a, b := o.Relay, opts.Relay
	return a.Host == b.Host &&
		a.Port == b.Port &&
		a.ChannelDB == b.ChannelDB &&
		a.UsageDB == b.UsageDB &&
		a.BlurUsage == b.BlurUsage &&
		a.MOTD == b.MOTD &&
		a.SignalError == b.SignalError &&
		a.AdvertiseVersion == b.AdvertiseVersion &&
		a.DisallowList == b.DisallowList &&
		a.CleaningInterval == b.CleaningInterval &&
		a.ChannelExpiration == b.ChannelExpiration &&
		len(a.WebSocketOptions) == len(b.WebSocketOptions) &&
		o.Logging.Equals(opts.Logging)
}

//Verify checks the Options fields for validity.
//Returns an error if a problem is encountered
func (o Options) Verify() error {
	if o.Relay.ChannelDB == "" {
		return ErrOptionsChannelDB
	}

	if o.Relay.CleaningInterval > o.Relay.ChannelExpiration {
		return ErrOptionsCleaning
	}

	return o.Logging.Verify()
}

//MergeFrom combines the fields from the supplied Options parameter
//into this object (smartly where applicable) and runs Verify on itself,
//returning the validation error if any happened.
func (o *Options) MergeFrom(opt Options) error {
	if opt.Relay.Host != "" {
		o.Relay.Host = opt.Relay.Host
	}
	if opt.Relay.Port != 0 {
		o.Relay.Port = opt.Relay.Port
	}
	if opt.Relay.ChannelDB != "" {
		o.Relay.ChannelDB = opt.Relay.ChannelDB
	}
	if opt.Relay.UsageDB != "" {
		o.Relay.UsageDB = opt.Relay.UsageDB
	}
	if opt.Relay.BlurUsage != 0 {
		o.Relay.BlurUsage = opt.Relay.BlurUsage
	}
	if opt.Relay.MOTD != "" {
		o.Relay.MOTD = opt.Relay.MOTD
	}
	if opt.Relay.SignalError != "" {
		o.Relay.SignalError = opt.Relay.SignalError
	}
	if opt.Relay.AdvertiseVersion != "" {
		o.Relay.AdvertiseVersion = opt.Relay.AdvertiseVersion
	}
	if opt.Relay.DisallowList {
		o.Relay.DisallowList = true
	}
	if opt.Relay.CleaningInterval != 0 {
		o.Relay.CleaningInterval = opt.Relay.CleaningInterval
	}
	if opt.Relay.ChannelExpiration != 0 {
		o.Relay.ChannelExpiration = opt.Relay.ChannelExpiration
	}
	for k, v := range opt.Relay.WebSocketOptions {
		if o.Relay.WebSocketOptions == nil {
			o.Relay.WebSocketOptions = make(map[string]interface{})
		}
		o.Relay.WebSocketOptions[k] = v
	}

	err := o.Logging.MergeFrom(opt.Logging)
	if err != nil {
		return err
	}
	return o.Verify()
}

//ReadOptionsFromFile opens the provided JSON file and marshals the data
//into an Options object.
//Returns the results, and the first error encountered.
//The error is either validation error, or JSON encoding error.
func ReadOptionsFromFile(filename string) (Options, error) {
	res := DefaultOptions

	file, err := os.ReadFile(filename)
	if err != nil {
		return res, err
	}

	err = json.Unmarshal(file, &res)
	if err != nil {
		return res, err
	}

	return res, res.Verify()
}

//NewOptions compiles the Options object from the provided sources.
//Will use custom defaults, or if nil the DefaultOptions object is used.
//Then will search the filename json file (if provided) for options.
//Then will combine the CLI options provided from main().
//These options cascade in order where applicable for the option.
//Will run the Options.Verify() method and return the error after compilation
func NewOptions(defaults *Options, filename string, ctx *cli.Context) (Options, error) {
	res := DefaultOptions
	if defaults != nil {
		res = *defaults
	}

	if len(filename) > 0 {
		fmt.Printf("reading configuration from '%s'\n", filename)
		file, err := ReadOptionsFromFile(filename)
		if err != nil {
			return res, err
		}
		err = res.MergeFrom(file)
		if err != nil {
			return res, err
		}
	}

	if ctx != nil {
		if err := applyCLIOptions(ctx, &res); err != nil {
			return res, err
		}
	}

	return res, res.Verify()
}

//ParseWebSocketOption splits a single OPTION=VALUE argument where the
//value portion is JSON encoded
func ParseWebSocketOption(arg string) (string, interface{}, error) {
	key, raw, found := strings.Cut(arg, "=")
	if !found || key == "" {
		return "", nil, ErrWebSocketOption
	}

	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return "", nil, fmt.Errorf("could not parse JSON value for %s: %w", key, err)
	}
	return key, value, nil
}

//applyCLIOptions writes the options presented in the CLI arguments to
//the provided Options object, overriding anything there previously
func applyCLIOptions(c *cli.Context, opts *Options) error {
	if c == nil || opts == nil {
		return nil
	}

	if c.String("config") != "" {
		//config file was used, ignore the flags
		return nil
	}

	if c.String("host") != "" {
		opts.Relay.Host = c.String("host")
	}
	if c.Uint("port") != 0 {
		opts.Relay.Port = c.Uint("port")
	}
	if c.String("channel-db") != "" {
		opts.Relay.ChannelDB = c.String("channel-db")
	}
	if c.String("usage-db") != "" {
		opts.Relay.UsageDB = c.String("usage-db")
	}
	opts.Relay.BlurUsage = c.Uint("blur-usage")

	if c.String("motd") != "" {
		opts.Relay.MOTD = c.String("motd")
	}
	if c.String("signal-error") != "" {
		opts.Relay.SignalError = c.String("signal-error")
	}
	if c.String("advertise-version") != "" {
		opts.Relay.AdvertiseVersion = c.String("advertise-version")
	}

	if c.Bool("disallow-list") {
		opts.Relay.DisallowList = true
	}

	if c.Uint("cleaning-interval") > 0 {
		opts.Relay.CleaningInterval = c.Uint("cleaning-interval")
	}
	if c.Uint("channel-expiration") > 0 {
		opts.Relay.ChannelExpiration = c.Uint("channel-expiration")
	}

	for _, arg := range c.StringSlice("websocket-protocol-option") {
		key, value, err := ParseWebSocketOption(arg)
		if err != nil {
			return err
		}
		if opts.Relay.WebSocketOptions == nil {
			opts.Relay.WebSocketOptions = make(map[string]interface{})
		}
		opts.Relay.WebSocketOptions[key] = value
	}

	if str := c.String("log"); str != "" {
		opts.Logging.Path = str
	}
	if c.Int("log-fd") > 0 {
		opts.Logging.FD = c.Int("log-fd")
	}
	if str := c.String("log-level"); str != "" {
		opts.Logging.Level = str
	}

	return nil
}
