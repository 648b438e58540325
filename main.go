package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/CodedInternet/goinserter/comms"
	"github.com/CodedInternet/goinserter/onboard"
	"github.com/CodedInternet/goinserter/onboard/control"
	"github.com/abiosoft/ishell"
	"github.com/asdine/storm/v3"
	"github.com/caarlos0/env/v6"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
)

type EnvConfig struct {
	JWT_ISSUER string `env:"RESIN_DEVICE_UUID" envDefault:"DEV"`
	RESIN      bool   `env:"RESIN" envDefault:"0"`
	DEBUG      bool   `env:"DEBUG" envDefault:"0"`
	SRCDIR     string `env:"SRCDIR" envDefault:"."`
	HTMLDIR    string `env:"HTMLDIR" envDefault:"./frontend/dist/"`
	DB         *storm.DB
	Conductor  *comms.Conductor
	Device     onboard.Device
	Simulated  bool
}

var (
	ENV *EnvConfig
)

func init() {
	// Load main config
	ENV = new(EnvConfig)
	env.Parse(ENV)

	// get db path, this depends on if we are running on a resin device
	var dbFile string
	if ENV.RESIN {
		dbFile = "/data/live.db"
	} else {
		dbFile, _ = filepath.Abs("./tmp/dev.db")
		dir := filepath.Dir(dbFile)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			os.Mkdir(dir, 0755)
		}
	}

	db, err := openDb(dbFile)
	if err != nil {
		panic(err)
	}
	ENV.DB = db
}

func main() {
	// process flags
	simulated := flag.Bool("sim", false, "Run the device against the simulated arm")
	port := flag.String("port", "0.0.0.0:80", "Specify the ip:port to listen on")
	flag.Parse()

	r := chi.NewRouter()

	// A good base middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.RedirectSlashes)
	r.Use(middleware.Recoverer) // make sure this is last

	defer ENV.DB.Close() // close database when finished

	// Locate and load the device config
	var filename string
	var err error
	if ENV.RESIN {
		println("Running on resin")
		filename = "/data/inserter_config.yaml"
	} else {
		filename, err = filepath.Abs(ENV.SRCDIR + "/inserter_config.yaml")
		if err != nil {
			panic(err)
		}
	}

	config, err := onboard.LoadConfig(filename)
	if err != nil {
		panic(fmt.Sprintf("Unable to load config: %v", err))
	}

	ENV.Simulated = *simulated
	device, err := onboard.NewInserter(config, ENV.Simulated)
	if err != nil {
		panic(fmt.Sprintf("Unable to initialize inserter: %v", err))
	}
	ENV.Device = device

	// persist every completed insertion
	device.OnInsertion(func(rec control.InsertionRecord) {
		if err := ENV.DB.Save(&rec); err != nil {
			log.Printf("unable to record insertion: %v", err)
		}
	})

	device.Start()

	ENV.Conductor = new(comms.Conductor)
	ENV.Conductor.Device = device

	go ENV.Conductor.UpdateClients()

	//---
	// Create a local shell
	//---
	{
		shell := ishell.New()
		shell.Println("Inserter development shell")
		shell.ShowPrompt(true)

		shell.AddCmd(&ishell.Cmd{
			Name: "createsuperuser",
			Help: "createsuperuser <email> <password>",
			Func: func(c *ishell.Context) {
				c.ShowPrompt(false)
				defer c.ShowPrompt(true)

				var email string
				if len(c.Args) >= 1 {
					email = c.Args[0]
				} else {
					c.Print("Email: ")
					email = c.ReadLine()
				}

				var password string
				if len(c.Args) >= 2 {
					password = c.Args[1]
				} else {
					c.Print("Password: ")
					password = c.ReadPassword()
				}

				user := &User{
					Email: email,
					Name:  email,
					Admin: true,
				}
				user.SetPassword([]byte(password))
				if err := ENV.DB.Save(user); err != nil {
					panic(err)
				}

				c.Println("Superuser created")
			},
		})

		// Device specific commands
		shell.AddCmd(&ishell.Cmd{
			Name: "calibrate",
			Help: "home the needle, observe the surface and stage at premove",
			Func: func(c *ishell.Context) {
				c.Println("Calibrating...")
				c.Printf("%s\n", device.Calibrate(context.Background()))
			},
		})

		shell.AddCmd(&ishell.Cmd{
			Name: "insert",
			Help: "insert <depth_um>",
			Func: func(c *ishell.Context) {
				if len(c.Args) != 1 {
					c.Err(fmt.Errorf("usage: insert <depth_um>"))
					return
				}
				depth, _ := strconv.Atoi(c.Args[0])
				c.Printf("Inserting to %dµm below surface\n", depth)
				c.Printf("%s\n", device.Insert(context.Background(), int64(depth)))
			},
		})

		shell.AddCmd(&ishell.Cmd{
			Name: "run",
			Help: "run <from_um> <to_um> <step_um> - calibrated insertion series",
			Func: func(c *ishell.Context) {
				if len(c.Args) != 3 {
					c.Err(fmt.Errorf("usage: run <from_um> <to_um> <step_um>"))
					return
				}
				from, _ := strconv.Atoi(c.Args[0])
				to, _ := strconv.Atoi(c.Args[1])
				step, _ := strconv.Atoi(c.Args[2])
				if step <= 0 {
					c.Err(fmt.Errorf("step must be positive"))
					return
				}

				for depth := from; depth <= to; depth += step {
					snap := device.Snapshot()
					if snap.State != control.OutOfBrainCalibrated {
						c.Printf("recalibrating from %s\n", snap.State)
						if out := device.Calibrate(context.Background()); !out.Ok() {
							c.Printf("calibration failed: %s - stopping series\n", out)
							return
						}
					}
					c.Printf("%6dµm: %s\n", depth, device.Insert(context.Background(), int64(depth)))
				}
			},
		})

		shell.AddCmd(&ishell.Cmd{
			Name: "retract",
			Help: "restage the needle at the premove height",
			Func: func(c *ishell.Context) {
				c.Printf("%s\n", device.Retract(context.Background()))
			},
		})

		shell.AddCmd(&ishell.Cmd{
			Name: "panic",
			Help: "emergency retract to HOME",
			Func: func(c *ishell.Context) {
				device.PanicNow("shell panic command")
				c.Println("panic injected")
			},
		})

		shell.AddCmd(&ishell.Cmd{
			Name: "state",
			Help: "print the current controller snapshot",
			Func: func(c *ishell.Context) {
				snap := device.Snapshot()
				c.Printf("state=%s premove=%dµm needle=%dµm surface=%dµm panicked=%v\n",
					snap.State, snap.Premove, snap.Robot.NeedleZ, snap.Distance, snap.Panicked)
			},
		})

		shell.AddCmd(&ishell.Cmd{
			Name: "history",
			Help: "list recorded insertions",
			Func: func(c *ishell.Context) {
				var records []control.InsertionRecord
				if err := ENV.DB.All(&records); err != nil {
					c.Err(err)
					return
				}
				for _, rec := range records {
					c.Printf("#%d depth=%dµm target=%dµm took=%dms outcome=%s\n",
						rec.ID, rec.Depth, rec.Target, rec.Duration, rec.Outcome)
				}
			},
		})

		shell.AddCmd(&ishell.Cmd{
			Name: "shutdown",
			Help: "panic, home the needle and stop the controller",
			Func: func(c *ishell.Context) {
				c.Printf("%s\n", device.Shutdown(context.Background()))
				ENV.DB.Close()
				os.Exit(0)
			},
		})

		// Start an instance of the shell so it can be controlled from the CLI
		go shell.Start()
	}

	//---
	// Build the API routes
	//---
	r.Route("/api", func(r chi.Router) {
		// login
		r.Post("/login", Login)

		r.Route("/", func(r chi.Router) {
			// Seek, verify and validate JWT tokens
			r.Use(ValidateJWT)

			r.Get("/state", StateView)
			r.Get("/insertions", InsertionsView)
			r.Post("/calibrate", CalibrateView)
			r.Post("/insert", InsertView)
			r.Post("/retract", RetractView)
			r.Post("/panic", PanicView)

			r.Get("/refresh_token", JWTRefresh)
		})
	})

	// Add websocket routes
	r.Route("/ws", func(r chi.Router) {
		if ENV.RESIN && !ENV.DEBUG {
			// Enable JWT validation in production
			r.Use(ValidateJWT)
		} else {
			fmt.Println("Running in debug mode. Authentication disabled.")
		}

		r.Get("/echo", EchoHandler)
		r.Get("/state", StateHandler)
	})

	// add static base routes
	FileServer(r, "/", http.Dir(ENV.HTMLDIR))

	fmt.Println("Listening on port", *port)
	if err := http.ListenAndServe(*port, r); err != nil {
		log.Fatal(err)
	}
}

func openDb(dbFile string) (db *storm.DB, err error) {
	db, err = storm.Open(dbFile)
	if err != nil {
		return
	}

	// call inits for each type
	if err := db.Init(&User{}); err != nil {
		return nil, err
	}
	if err := db.Init(&control.InsertionRecord{}); err != nil {
		return nil, err
	}

	return
}

// FileServer conveniently sets up a http.FileServer handler to serve
// static files from a http.FileSystem.
func FileServer(r chi.Router, path string, root http.FileSystem) {
	if strings.ContainsAny(path, "{}*") {
		panic("FileServer does not permit URL parameters.")
	}

	fs := http.StripPrefix(path, http.FileServer(root))

	if path != "/" && path[len(path)-1] != '/' {
		r.Get(path, http.RedirectHandler(path+"/", 301).ServeHTTP)
		path += "/"
	}
	path += "*"

	r.Get(path, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.ServeHTTP(w, r)
	}))
}
