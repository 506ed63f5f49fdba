package main

import "github.com/urfave/cli/v3"

// newApp builds the command tree around r
func newApp(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "soundctl",
		Usage: "Control the sound machine from a terminal",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "Sound machine base URL",
				Value:   "http://localhost:3000",
				Sources: cli.EnvVars("SOUNDMACHINE_URL"),
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Log client activity to stderr",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "Show what is playing, the volume and the timer",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output raw JSON",
					},
				},
				Action: r.Status,
			},
			{
				Name:  "play",
				Usage: "Play a sound (white, brown, pink, dryer, ocean)",
				Arguments: []cli.Argument{
					&cli.StringArg{
						Name: "sound",
					},
				},
				Action: r.Play,
			},
			{
				Name:   "stop",
				Usage:  "Stop playback",
				Action: r.Stop,
			},
			{
				Name:  "volume",
				Usage: "Set the volume in percent, e.g. 40 or 40%",
				Arguments: []cli.Argument{
					&cli.StringArg{
						Name: "level",
					},
				},
				Action: r.Volume,
			},
			{
				Name:  "tab",
				Usage: "Switch the shared tab (play or timer)",
				Arguments: []cli.Argument{
					&cli.StringArg{
						Name: "tab",
					},
				},
				Action: r.Tab,
			},
			{
				Name:  "timer",
				Usage: "Sleep timer operations",
				Commands: []*cli.Command{
					{
						Name:  "start",
						Usage: "Play a sound until the given time",
						Arguments: []cli.Argument{
							&cli.StringArg{
								Name: "sound",
							},
						},
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "at",
								Usage: "Stop time as HH:MM, today or tomorrow",
								Value: "08:00",
							},
							&cli.StringFlag{
								Name:  "volume",
								Usage: "Volume in percent to apply before starting",
							},
						},
						Action: r.TimerStart,
					},
					{
						Name:   "cancel",
						Usage:  "Cancel the sleep timer and stop its sound",
						Action: r.TimerCancel,
					},
				},
			},
			{
				Name:   "watch",
				Usage:  "Print every state change until interrupted",
				Action: r.Watch,
			},
		},
	}
}
