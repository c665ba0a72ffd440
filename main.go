package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	adhoc "StrikerBot/Adhoc"
	"StrikerBot/actuator"
	"StrikerBot/camera"
	"StrikerBot/logger"
	"StrikerBot/monitor"
	"StrikerBot/perception"
	"StrikerBot/pilot"
	"StrikerBot/policy"
)

type cameraConf struct {
	Device int `yaml:"device"`
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

type perceptionConf struct {
	URL       string `yaml:"url"`
	TimeoutMs int    `yaml:"timeoutMs"`
}

type policyConf struct {
	FreeThreshold    float64 `yaml:"freeThreshold"`
	BlockedThreshold float64 `yaml:"blockedThreshold"`
	ContactThreshold float64 `yaml:"contactThreshold"`
	TargetLabels     []int   `yaml:"targetLabels"`
	BaseSpeed        float64 `yaml:"baseSpeed"`
	SteerGain        float64 `yaml:"steerGain"`
	CruiseSpeed      float64 `yaml:"cruiseSpeed"`
	TurnSpeed        float64 `yaml:"turnSpeed"`
	ScanSpeed        float64 `yaml:"scanSpeed"`
	NudgeSpeed       float64 `yaml:"nudgeSpeed"`
	EscapeSpeed      float64 `yaml:"escapeSpeed"`
	ScanSteps        int     `yaml:"scanSteps"`
	SteerDwellMs     int     `yaml:"steerDwellMs"`
	SteerPauseMs     int     `yaml:"steerPauseMs"`
	EscapePauseMs    int     `yaml:"escapePauseMs"`
	EscapePulseMs    int     `yaml:"escapePulseMs"`
	EscapeHoldMs     int     `yaml:"escapeHoldMs"`
}

type configStruct struct {
	APIPort       int    `yaml:"APIPort"`
	MetricsPort   int    `yaml:"MetricsPort"`
	InstanceClass string `yaml:"instanceClass"`
	UseRegServer  bool   `yaml:"UseRegServer"`
	RegServerPort int    `yaml:"RegServerPort"`
	RegServerHost string `yaml:"RegServerHost"`

	Camera     cameraConf      `yaml:"camera"`
	Perception perceptionConf  `yaml:"perception"`
	Drive      actuator.Config `yaml:"drive"`
	Schema     policy.Schema   `yaml:"schema"`
	Policy     policyConf      `yaml:"policy"`
}

// apply overlays the non-zero tuning values from the config file onto the
// defaults. Durations are given in milliseconds in YAML.
func (pc policyConf) apply(base policy.Config) policy.Config {
	if pc.FreeThreshold != 0 {
		base.FreeThreshold = pc.FreeThreshold
	}
	if pc.BlockedThreshold != 0 {
		base.BlockedThreshold = pc.BlockedThreshold
	}
	if pc.ContactThreshold != 0 {
		base.ContactThreshold = pc.ContactThreshold
	}
	if len(pc.TargetLabels) > 0 {
		base.TargetLabels = pc.TargetLabels
	}
	if pc.BaseSpeed != 0 {
		base.BaseSpeed = pc.BaseSpeed
	}
	if pc.SteerGain != 0 {
		base.SteerGain = pc.SteerGain
	}
	if pc.CruiseSpeed != 0 {
		base.CruiseSpeed = pc.CruiseSpeed
	}
	if pc.TurnSpeed != 0 {
		base.TurnSpeed = pc.TurnSpeed
	}
	if pc.ScanSpeed != 0 {
		base.ScanSpeed = pc.ScanSpeed
	}
	if pc.NudgeSpeed != 0 {
		base.NudgeSpeed = pc.NudgeSpeed
	}
	if pc.EscapeSpeed != 0 {
		base.EscapeSpeed = pc.EscapeSpeed
	}
	if pc.ScanSteps != 0 {
		base.ScanSteps = pc.ScanSteps
	}
	if pc.SteerDwellMs != 0 {
		base.SteerDwell = time.Duration(pc.SteerDwellMs) * time.Millisecond
	}
	if pc.SteerPauseMs != 0 {
		base.SteerPause = time.Duration(pc.SteerPauseMs) * time.Millisecond
	}
	if pc.EscapePauseMs != 0 {
		base.EscapePause = time.Duration(pc.EscapePauseMs) * time.Millisecond
	}
	if pc.EscapePulseMs != 0 {
		base.EscapePulse = time.Duration(pc.EscapePulseMs) * time.Millisecond
	}
	if pc.EscapeHoldMs != 0 {
		base.EscapeHold = time.Duration(pc.EscapeHoldMs) * time.Millisecond
	}
	return base
}

func GetOutboundIP() (string, error) {
	// No packet is actually sent; dialing just resolves the local
	// interface the routing table would pick.
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP.String(), nil
}

func main() {
	ip, err := GetOutboundIP()
	if err != nil {
		fmt.Println("Failed to get outbound IP:", err)
		return
	}
	fmt.Println("Outbound IP:", ip)
	var wg sync.WaitGroup
	err = logger.InitProduction()
	if err != nil {
		return
	}
	fmt.Println(strings.Repeat("#", 64))
	CPUNum := runtime.NumCPU()
	fmt.Printf("CPU Cores: %d\n", CPUNum)
	configData, err := os.ReadFile("config.yaml")
	if err != nil {
		fmt.Println("Failed to read config file:", err)
		return
	}
	config := configStruct{}
	err = yaml.Unmarshal(configData, &config)
	if err != nil {
		fmt.Println("Failed to parse config file:", err)
		return
	}
	if config.APIPort == 0 {
		config.APIPort = 8080
	}
	if config.MetricsPort == 0 {
		config.MetricsPort = 9090
	}
	fmt.Println("   API Port:", config.APIPort)
	fmt.Println("Metrics Port:", config.MetricsPort)
	fmt.Println("Drive Backend:", config.Drive.Backend)
	fmt.Println("Collision Schema:", config.Schema.Classes)
	fmt.Println(strings.Repeat("#", 64))
	fmt.Println("")

	reactor, err := policy.NewReactor(config.Policy.apply(policy.DefaultConfig()), config.Schema)
	if err != nil {
		// Guessing a schema mapping could drive the robot into a wall;
		// refuse to start instead.
		fmt.Println("Invalid policy configuration:", err)
		os.Exit(1)
	}

	drive, err := actuator.Open(config.Drive)
	if err != nil {
		fmt.Println("Failed to open drive:", err)
		os.Exit(1)
	}

	timeout := time.Duration(config.Perception.TimeoutMs) * time.Millisecond
	if timeout == 0 {
		timeout = time.Second
	}
	perc := perception.NewClient(config.Perception.URL, timeout)

	cam, err := camera.Open(config.Camera.Device, config.Camera.Width, config.Camera.Height)
	if err != nil {
		fmt.Println("Failed to open camera:", err)
		_ = drive.Close()
		os.Exit(1)
	}

	p := pilot.New(reactor, cam, perc, perc, drive)
	p.SetCallTimeout(timeout)

	api := newAPIServer(p)
	p.SetTelemetrySink(api.Publish)
	api.Start(config.APIPort)

	var instanceClass int
	switch config.InstanceClass {
	case "Striker":
		instanceClass = adhoc.StrikerInstance
	case "Keeper":
		instanceClass = adhoc.KeeperInstance
	case "Bench":
		instanceClass = adhoc.BenchInstance
	default:
		fmt.Println("Invalid instanceClass in config, defaulting to Striker")
		instanceClass = adhoc.StrikerInstance
	}
	adhoc.RegServerCfg = adhoc.RegServerConfig{}
	adhoc.RegServerCfg.SetAddress(config.RegServerHost, config.RegServerPort)

	ctx, cancel := context.WithCancel(context.Background())
	wg.Add(1)
	if config.UseRegServer {
		go adhoc.SendAliveMessage(ip, config.APIPort, instanceClass, ctx, &wg)
	} else {
		fmt.Println("UseRegServer is set to false, skipping registration")
		wg.Done()
	}
	go monitor.StartMon(config.MetricsPort, ctx)

	p.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("Shutting down")
		p.Stop()
	}()

	<-p.Done()
	if err := p.Err(); err != nil {
		logger.Log().Error("pilot terminated", zap.Error(err))
	}
	cancel()
	if err := cam.Close(); err != nil {
		logger.Log().Error("camera close failed", zap.Error(err))
	}
	_ = perc.Close()
	if err := drive.Close(); err != nil {
		logger.Log().Error("drive close failed", zap.Error(err))
	}
	wg.Wait()
	logger.Sync()
	fmt.Println("Safely exited")
}
