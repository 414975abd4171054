package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/deemkeen/mammut/web"
	"github.com/google/uuid"
)

func main() {

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	fmt.Println("Configuration: ")
	fmt.Println(util.PrettyPrint(conf))

	dbPath := conf.Conf.DbPath
	if dbPath == "" {
		dbPath = util.ResolveFilePath("database.db")
	}

	log.Println("Opening database and running migrations...")
	database, err := db.Open(dbPath)
	if err != nil {
		log.Fatalln(err)
	}
	defer database.Close()
	log.Println("Database ready")

	ensureDefaultAccount(database)

	resolver := activitypub.NewResolver(database, conf.ActorCacheTtl())
	queue := activitypub.NewQueue(database, conf)
	processor := activitypub.NewProcessor(database, resolver, queue, conf)
	outbox := activitypub.NewOutbox(database, resolver, queue, conf)

	if conf.Conf.WithAp {
		queue.Start()
	}

	server := web.NewServer(conf, database, processor, outbox)
	startServing(server, queue, conf)
}

func startServing(server *web.Server, queue *activitypub.Queue, conf *util.AppConfig) {
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Router(); err != nil {
			log.Fatalln(err)
		}
	}()

	<-done
	log.Println("Stopping federation server")

	if conf.Conf.WithAp {
		// Let in-flight deliveries finish; pending jobs are durable and
		// resume on restart
		queue.Stop()
	}
}

// ensureDefaultAccount provisions the instance actor on first start so
// the server can federate out of the box.
func ensureDefaultAccount(database *db.DB) {
	username := os.Getenv("MAMMUT_USER")
	if username == "" {
		username = "admin"
	}

	err, existing := database.ReadAccountByUsername(username)
	if err == nil && existing != nil {
		return
	}

	log.Printf("Creating local account %s...", username)
	keypair := util.GeneratePemKeypair()

	account := &domain.Account{
		Id:            uuid.New(),
		Username:      username,
		WebPublicKey:  keypair.Public,
		WebPrivateKey: keypair.Private,
		CreatedAt:     time.Now(),
	}

	if err := database.CreateAccount(account); err != nil {
		log.Fatalln("Creating local account failed:", err)
	}
}
