package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"telecrm/internal/ami"
	"telecrm/internal/api"
	"telecrm/internal/auth"
	"telecrm/internal/config"
	"telecrm/internal/database"
	"telecrm/internal/dialer"
	"telecrm/internal/secret"
	"telecrm/internal/websocket"
)

const defaultConfigPath = "/etc/telecrm/telecrm.yaml"

func main() {
	log.Println("[Main] TeleCRM Dialer Service")
	log.Println("[Main] Iniciando servicios...")

	// .env es opcional; en producción la config viene del YAML y del entorno
	if err := godotenv.Load(); err == nil {
		log.Println("[Main] Variables cargadas desde .env")
	}

	configPath := os.Getenv("TELECRM_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("[Main] Error cargando configuración: %v", err)
	}

	// Conectar a base de datos
	dbConn, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.Fatalf("[Main] Error conectando a base de datos: %v", err)
	}
	defer dbConn.Close()

	if err := database.EnsureSchema(dbConn.DB); err != nil {
		log.Fatalf("[Main] Error asegurando esquema: %v", err)
	}

	repo := database.NewRepository(dbConn)
	log.Println("[Main] ✓ Base de datos conectada")

	// Sanear llamadas que quedaron vivas en DB de un proceso anterior.
	// Tras un reinicio ya no tenemos sus eventos AMI, nunca se cerrarían solas.
	if n, err := repo.FailStaleCalls(time.Now()); err != nil {
		log.Printf("[Main] Error saneando llamadas colgadas: %v", err)
	} else if n > 0 {
		log.Printf("[Main] ✓ %d llamadas colgadas marcadas como fallidas", n)
	}

	seedAdmin(repo)

	// Caja de secretos para credenciales SIP cifradas
	box, err := secret.NewBoxFromEnv()
	if err != nil {
		if !errors.Is(err, secret.ErrNoKey) {
			log.Fatalf("[Main] Error cargando TELECRM_SECRET_KEY: %v", err)
		}
		log.Println("[Main] TELECRM_SECRET_KEY no definida: secretos SIP cifrados deshabilitados")
		box = nil
	}

	applySipOverride(cfg, repo, box)
	amiSecret := resolveAMISecret(cfg, box)

	// Cliente AMI. La reconexión tras una caída la maneja el motor;
	// si ni siquiera conecta al arrancar, no hay nada que servir.
	amiClient := ami.NewClient(&cfg.AMI, amiSecret)
	amiClient.SetDebug(cfg.Log.IsDebug())
	if err := amiClient.Connect(); err != nil {
		log.Fatalf("[Main] Error conectando AMI: %v", err)
	}
	defer amiClient.Close()
	log.Println("[Main] ✓ Cliente AMI conectado")

	// Hub de WebSocket para el panel en vivo
	hub := websocket.NewHub()
	go hub.Run()
	log.Println("[Main] ✓ Hub WebSocket iniciado")

	// Motor de marcación
	engine := dialer.NewEngine(cfg, repo, amiClient, hub)
	if err := engine.Start(); err != nil {
		log.Fatalf("[Main] Error iniciando motor: %v", err)
	}
	log.Println("[Main] ✓ Motor de marcación iniciado")

	// API REST + WebSocket
	if cfg.API.JWTSecret == "" {
		// sin secreto persistente los tokens mueren con el proceso
		cfg.API.JWTSecret = randomHex(32)
		log.Println("[Main] ADVERTENCIA: api.jwt_secret no configurado, usando secreto efímero")
	}
	authn := auth.New(cfg.API.JWTSecret)

	apiServer := api.NewServer(cfg, repo, engine, hub, authn, box)
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Fatalf("[Main] Error iniciando API: %v", err)
		}
	}()
	log.Println("[Main] ✓ Servidor API REST iniciado")

	log.Println("[Main] ========================================")
	log.Printf("[Main] AMI conectado a %s", cfg.AMI.Address())
	log.Printf("[Main] API REST escuchando en %s", cfg.API.Address())
	log.Println("[Main] Servicio iniciado correctamente")
	log.Println("[Main] Presiona Ctrl+C para detener")
	log.Println("[Main] ========================================")

	// Esperar señal de terminación
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("[Main] Deteniendo servicio...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Stop(ctx); err != nil {
		log.Printf("[Main] Error deteniendo API: %v", err)
	}

	engine.Shutdown()
	hub.Stop()
	repo.Close()

	log.Println("[Main] Servicio detenido")
}

// seedAdmin crea el usuario admin inicial cuando la tabla está vacía
func seedAdmin(repo *database.Repository) {
	count, err := repo.CountUsers()
	if err != nil {
		log.Printf("[Main] Error contando usuarios: %v", err)
		return
	}
	if count > 0 {
		return
	}

	password := os.Getenv("TELECRM_ADMIN_PASSWORD")
	generated := password == ""
	if generated {
		password = randomHex(8)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		log.Printf("[Main] Error hasheando contraseña inicial: %v", err)
		return
	}

	admin := &database.User{
		Username:     "admin",
		PasswordHash: hash,
		FullName:     "Administrador",
		Role:         "admin",
		Active:       true,
	}
	if _, err := repo.CreateUser(admin); err != nil {
		log.Printf("[Main] Error creando usuario admin: %v", err)
		return
	}

	if generated {
		// se imprime una sola vez; cambiarla en el primer login
		log.Printf("[Main] ✓ Usuario admin creado con contraseña: %s", password)
	} else {
		log.Println("[Main] ✓ Usuario admin creado")
	}
}

// applySipOverride pisa las credenciales AMI del YAML con la configuración
// SIP activa guardada en base de datos, si existe
func applySipOverride(cfg *config.Config, repo *database.Repository, box *secret.Box) {
	sipCfg, err := repo.ActiveSipConfiguration()
	if err != nil {
		log.Printf("[Main] Error consultando configuración SIP activa: %v", err)
		return
	}
	if sipCfg == nil {
		return
	}
	if box == nil {
		log.Printf("[Main] Configuración SIP '%s' ignorada: falta TELECRM_SECRET_KEY", sipCfg.Name)
		return
	}

	plain, err := box.Open(sipCfg.SecretEncrypted)
	if err != nil {
		log.Printf("[Main] Error descifrando secreto de '%s': %v", sipCfg.Name, err)
		return
	}

	cfg.AMI.Host = sipCfg.Host
	cfg.AMI.Port = sipCfg.Port
	cfg.AMI.Username = sipCfg.Username
	cfg.AMI.Secret = plain
	cfg.AMI.SecretEncrypted = ""
	if sipCfg.Context != "" {
		cfg.AMI.Context = sipCfg.Context
	}
	if sipCfg.PeerUsername != "" {
		cfg.AMI.PeerUsername = sipCfg.PeerUsername
	}

	log.Printf("[Main] ✓ Configuración SIP activa: %s (%s)", sipCfg.Name, cfg.AMI.Address())
}

// resolveAMISecret devuelve el secreto AMI en claro. El cifrado del YAML
// tiene prioridad sobre el de texto plano; la configuración SIP activa ya
// lo resolvió antes si existía.
func resolveAMISecret(cfg *config.Config, box *secret.Box) string {
	if cfg.AMI.SecretEncrypted == "" {
		return cfg.AMI.Secret
	}
	if box == nil {
		log.Fatal("[Main] ami.secret_encrypted configurado pero TELECRM_SECRET_KEY no está definida")
	}
	plain, err := box.Open(cfg.AMI.SecretEncrypted)
	if err != nil {
		log.Fatalf("[Main] Error descifrando ami.secret_encrypted: %v", err)
	}
	return plain
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		log.Fatalf("[Main] Error generando aleatorio: %v", err)
	}
	return hex.EncodeToString(b)
}
