package main

import (
	"time"

	"github.com/jessevdk/go-flags"
)

type ProgramArgs struct {
	Config string `short:"c" long:"config" no-ini:"true" description:"INI file to read options from, command line options take precedence"`

	Server  ServerOptions  `group:"Server Options"`
	Sensor  SensorOptions  `group:"Sensor Options"`
	Ambient AmbientOptions `group:"Ambient Options"`
}

type ServerOptions struct {
	Host string `short:"H" long:"host" default:"127.0.0.1" description:"IP to listen on"`
	Port uint16 `short:"P" long:"port" default:"27316" description:"Port to listen on"`
}

type SensorOptions struct {
	Interval time.Duration `short:"I" long:"interval" default:"1s" description:"Interval between readings"`
	SPI      string        `short:"S" long:"spi" description:"SPI port the transducer is wired to (default: auto)"`
	Serial   string        `long:"serial" description:"Serial adapter device, used instead of SPI when set"`
	Baud     int           `long:"baud" default:"115200" description:"Serial adapter baud rate"`
}

type AmbientOptions struct {
	Enabled   bool   `short:"A" long:"ambient" description:"Read humidity and CO2 from an SCD4x"`
	I2CDevice string `short:"D" long:"i2cdev" description:"The used I2C device (default: auto)"`
}

// parseArgs parses the command line, then the config file it names if any,
// then the command line again so that it overrides the file.
func parseArgs(argv []string) (ProgramArgs, error) {
	args := ProgramArgs{}
	argParser := flags.NewParser(&args, flags.Default)

	if _, err := argParser.ParseArgs(argv); err != nil {
		return args, err
	}
	if args.Config == "" {
		return args, nil
	}

	if err := flags.NewIniParser(argParser).ParseFile(args.Config); err != nil {
		return args, err
	}
	if _, err := argParser.ParseArgs(argv); err != nil {
		return args, err
	}
	return args, nil
}
