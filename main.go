package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/aldernero/scd4x"
	"github.com/jessevdk/go-flags"
	"github.com/tarm/serial"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"PressureServer/transducer"
)

const (
	MIN_TIMEOUT_SECONDS = 2
)

func getOutboundIP() net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP
}

// setupTransducer opens the serial adapter when one is configured and the
// SPI port otherwise. The caller has the responsibility to close the port.
func setupTransducer(opts SensorOptions) (*transducer.Dev, io.Closer) {
	if opts.Serial != "" {
		port, err := serial.OpenPort(&serial.Config{
			Name:        opts.Serial,
			Baud:        opts.Baud,
			Size:        8,
			Parity:      serial.ParityNone,
			StopBits:    serial.Stop1,
			ReadTimeout: time.Second,
		})
		if err != nil {
			log.Fatalf("Couldn't open serial adapter: %v", err)
		}
		dev, err := transducer.NewUART(port)
		if err != nil {
			log.Fatalf("Couldn't initialize transducer: %v", err)
		}
		return dev, port
	}

	port, err := spireg.Open(opts.SPI)
	if err != nil {
		log.Fatalf("Couldn't open SPI port: %v", err)
	}
	dev, err := transducer.NewSPI(port)
	if err != nil {
		log.Fatalf("Couldn't initialize transducer: %v", err)
	}
	return dev, port
}

func setupI2CBus(i2cdev string) i2c.BusCloser {
	bus, err := i2creg.Open(i2cdev)
	if err != nil {
		log.Fatalf("Couldn't open I2C device: %v", err)
	}

	return bus
}

func setupSCDSensor(i2cBus i2c.BusCloser) *scd4x.SCD4x {
	sensor, err := scd4x.SensorInit(i2cBus, false)
	if err != nil {
		log.Fatalln(err.Error())
	}

	fmt.Println("Initializing SCD4x…")
	if err := sensor.StopMeasurements(); err != nil {
		log.Fatalf("Error while trying to stop periodic measurements: %v\n", err)
	}
	if err := sensor.StartMeasurements(); err != nil {
		log.Fatalf("Error while trying to start periodic measurements: %v\n", err)
	}
	fmt.Println("Done")

	return sensor
}

func main() {
	args, err := parseArgs(os.Args[1:])
	if err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		log.Fatal("arg parse fail")
	}

	if _, err := host.Init(); err != nil {
		log.Fatalf("Initialization failed: %v", err)
	}

	dev, port := setupTransducer(args.Sensor)
	defer port.Close()
	log.Printf("%s: header valid %v, data valid %v, calibration valid %v",
		dev, dev.HeaderValid(), dev.CoefficientDataValid(), dev.CalibrationValid())

	var ambient ambientFunc
	if args.Ambient.Enabled {
		bus := setupI2CBus(args.Ambient.I2CDevice)
		defer bus.Close()

		scdDev := setupSCDSensor(bus)
		defer scdDev.StopMeasurements()

		ambient = func() (float64, uint16, error) {
			scdData, err := scdDev.ReadMeasurement()
			if err != nil {
				return 0, 0, err
			}
			return scdData.Rh, scdData.CO2, nil
		}

		fmt.Println("Waking up in a second…")
		// give the sensor time to wake up
		time.Sleep(1 * time.Second)
	}

	// ReadContinuous will take one reading immediately before looping
	readingChannel, err := dev.ReadContinuous(args.Sensor.Interval)
	if err != nil {
		log.Fatalf("Couldn't start taking readings: %v", err)
	}
	defer dev.Halt()

	s := newServer(dev, ambient)
	go s.updateReading(readingChannel)

	timeoutLen := max(MIN_TIMEOUT_SECONDS, int(args.Sensor.Interval/time.Second))

	addr := fmt.Sprintf("%s:%d", args.Server.Host, args.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		ReadTimeout:  time.Duration(timeoutLen) * time.Second,
		WriteTimeout: time.Duration(timeoutLen) * time.Second,
		IdleTimeout:  120 * time.Second,
		Handler:      s.router(),
	}

	go func() {
		if args.Server.Host == "0.0.0.0" {
			localIP := getOutboundIP() // resolve local IP for easier debugging
			log.Printf("Listening on %s:%d…\n", localIP.String(), args.Server.Port)
		} else {
			log.Printf("Listening on %s…\n", addr)
		}

		err := srv.ListenAndServe()
		log.Printf("Shutdown (%v)\n", err)
	}()

	sigChan := make(chan os.Signal, 1)
	// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
	// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
	signal.Notify(sigChan, os.Interrupt)

	<-sigChan

	// Give the server a timeout period of 4 seconds
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	// Doesn't block if no connections, but will otherwise wait until the timeout deadline.
	_ = srv.Shutdown(ctx)
}
