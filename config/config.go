//Package config compiles broker options from defaults, an optional
//JSON file, CLI flags, and environment credentials. The cascade is
//CLI > file > defaults; secrets only ever come from the environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli"

	"tunnelbroker/log"
)

//BrokerOptions holds the settings for the relay/broker server itself
type BrokerOptions struct {
	//Host portion for the server to listen on. Empty uses the
	//default interface.
	Host string `json:"host"`

	//Port number for the server to listen on
	Port uint `json:"port"`

	//WelcomeMOTD is displayed to clients on connect
	WelcomeMOTD string `json:"welcomeMOTD"`

	//WelcomeError is displayed to clients on connect, and if
	//provided has them disconnect immediately
	WelcomeError string `json:"welcomeError"`

	//AdvertisedVersion is the client release version advertised in
	//the welcome frame so outdated clients can prompt an update
	AdvertisedVersion string `json:"advertisedVersion"`

	//MessageTTL is the mailbox message expiry window in seconds.
	//Queued messages older than this are removed by the sweep.
	MessageTTL uint `json:"messageTTL"`

	//SweepInterval is the time between expiry sweeps in seconds
	SweepInterval uint `json:"sweepInterval"`

	//TokenSecret signs session resume tokens. Populated from the
	//TUNNELBROKER_TOKEN_SECRET environment variable, never from file.
	TokenSecret string `json:"-"`
}

//StorageOptions holds the settings for the durable session and
//message stores
type StorageOptions struct {
	//DBFile path to the SQLite database file
	DBFile string `json:"dbFile"`
}

//BlobOptions holds the settings for the out-of-line payload store
type BlobOptions struct {
	//Endpoint overrides the S3 endpoint (set for minio); empty uses
	//the AWS default resolution
	Endpoint string `json:"endpoint"`

	//Region for the S3 client
	Region string `json:"region"`

	//Bucket holding payload fragments
	Bucket string `json:"bucket"`

	//InlineLimit is the largest payload stored inline on the message
	//row, in bytes. Larger payloads are split into blobs.
	InlineLimit uint `json:"inlineLimit"`

	//ChunkSize is the fragment size for split payloads, in bytes
	ChunkSize uint `json:"chunkSize"`

	//AccessKey and SecretKey come from BLOB_ACCESS_KEY and
	//BLOB_SECRET_KEY environment variables, never from file
	AccessKey string `json:"-"`
	SecretKey string `json:"-"`
}

//Options is a JSON serializable object holding the configuration
//settings for running the tunnel broker
type Options struct {
	//Broker holds the relay server options
	Broker BrokerOptions `json:"broker"`

	//Storage holds the durable store options
	Storage StorageOptions `json:"storage"`

	//Blob holds the out-of-line payload store options
	Blob BlobOptions `json:"blob"`

	//Logging holds the logging options
	Logging log.Options `json:"logging"`
}

//DefaultOptions contains the preset default options for a broker
var DefaultOptions = Options{
	Broker: BrokerOptions{
		Host:          "",
		Port:          4000,
		MessageTTL:    600,
		SweepInterval: 60,
	},

	Storage: StorageOptions{
		DBFile: "./tunnelbroker.db",
	},

	Blob: BlobOptions{
		Region:      "us-east-1",
		Bucket:      "tunnelbroker-blobs",
		InlineLimit: 64 * 1024,
		ChunkSize:   256 * 1024,
	},

	Logging: log.DefaultOptions,
}

var (
	//ErrOptionsTTL validation error for a zero message TTL
	ErrOptionsTTL = errors.New("message TTL must be positive")

	//ErrOptionsSweep validation error for a zero sweep interval
	ErrOptionsSweep = errors.New("sweep interval must be positive")

	//ErrOptionsBlobSizes validation error for blob sizing; a zero
	//chunk size would loop forever when splitting
	ErrOptionsBlobSizes = errors.New("blob chunk size must be positive")
)

//Equals returns true if the supplied options deep-equal these ones
func (o Options) Equals(opts Options) bool {
	return o.Broker == opts.Broker &&
		o.Storage == opts.Storage &&
		o.Blob == opts.Blob &&
		o.Logging.Equals(opts.Logging)
}

//Verify checks the Options fields for validity
func (o Options) Verify() error {
	if o.Broker.MessageTTL == 0 {
		return ErrOptionsTTL
	}
	if o.Broker.SweepInterval == 0 {
		return ErrOptionsSweep
	}
	if o.Blob.ChunkSize == 0 {
		return ErrOptionsBlobSizes
	}
	return o.Logging.Verify()
}

//MergeFrom combines the fields from the supplied Options into this
//object and runs Verify, returning the validation error if any
func (o *Options) MergeFrom(opt Options) error {
	o.Broker = opt.Broker
	o.Storage = opt.Storage
	o.Blob = opt.Blob

	if err := o.Logging.MergeFrom(opt.Logging); err != nil {
		return err
	}
	return o.Verify()
}

//ReadOptionsFromFile opens the provided JSON file and unmarshals it
//into Options over the defaults. Returns a validation or decoding
//error.
func ReadOptionsFromFile(filename string) (Options, error) {
	res := DefaultOptions

	file, err := os.ReadFile(filename)
	if err != nil {
		return res, err
	}

	if err = json.Unmarshal(file, &res); err != nil {
		return res, err
	}

	return res, res.Verify()
}

//NewOptions compiles the Options object from the provided sources:
//custom defaults (or DefaultOptions when nil), then the JSON file if
//one is named, then CLI flags, then environment credentials. Runs
//Verify on the result.
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
		if err = res.MergeFrom(file); err != nil {
			return res, err
		}
	}

	if ctx != nil {
		applyCLIOptions(ctx, &res)
	}

	applyEnvOptions(&res)

	return res, res.Verify()
}

//applyCLIOptions writes the options presented in the CLI arguments
//to the provided Options object. When a config file was named the
//flags are ignored, matching the file-wins documentation in main.
func applyCLIOptions(c *cli.Context, opts *Options) {
	if c == nil || opts == nil {
		return
	}

	if c.String("config") != "" {
		return
	}

	opts.Broker.Host = c.String("host")
	opts.Broker.Port = c.Uint("port")
	opts.Storage.DBFile = c.String("db")

	if c.String("advert-version") != "" {
		opts.Broker.AdvertisedVersion = c.String("advert-version")
	}
	if c.Uint("message-ttl") > 0 {
		opts.Broker.MessageTTL = c.Uint("message-ttl")
	}
	if c.Uint("sweep-interval") > 0 {
		opts.Broker.SweepInterval = c.Uint("sweep-interval")
	}

	if c.String("blob-endpoint") != "" {
		opts.Blob.Endpoint = c.String("blob-endpoint")
	}
	if c.String("blob-bucket") != "" {
		opts.Blob.Bucket = c.String("blob-bucket")
	}

	opts.Logging.Path = c.String("log")
	if str := c.String("log-level"); str != "" {
		opts.Logging.Level = str
	}
}

//applyEnvOptions overlays credentials that must not live in config
//files or flags
func applyEnvOptions(opts *Options) {
	if v := os.Getenv("TUNNELBROKER_TOKEN_SECRET"); v != "" {
		opts.Broker.TokenSecret = v
	}
	if v := os.Getenv("BLOB_ACCESS_KEY"); v != "" {
		opts.Blob.AccessKey = v
	}
	if v := os.Getenv("BLOB_SECRET_KEY"); v != "" {
		opts.Blob.SecretKey = v
	}
}
